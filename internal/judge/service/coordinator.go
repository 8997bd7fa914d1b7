package service

import (
	"context"
	"time"

	"contestjudge/internal/judge/engine"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/progress"
	appErr "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// TestCaseSource returns the test cases of a problem in evaluation order.
type TestCaseSource interface {
	ListByProblem(ctx context.Context, problemID string) ([]model.TestCase, error)
}

// Grader runs one grading attempt to a terminal verdict.
type Grader interface {
	Grade(ctx context.Context, gc engine.GradingContext) model.Verdict
}

// ProcessInput is one accepted submission together with its problem's
// grading parameters.
type ProcessInput struct {
	UserID        string
	SubmissionID  string
	ProblemID     string
	Code          string
	Language      string
	ProblemPoints int
	TimeLimit     time.Duration
}

// Outcome is the terminal verdict plus the points it earned.
type Outcome struct {
	Verdict      model.Verdict
	PointsEarned int
	// ErrorCode is set when the run ended in ERROR before grading started.
	ErrorCode appErr.ErrorCode
}

// Result returns the scored summary pushed as submission:result.
func (o Outcome) Result() model.ResultEvent {
	return model.ResultEvent{
		Status:          o.Verdict.Status,
		TestCasesPassed: o.Verdict.TestCasesPassed,
		TotalTestCases:  o.Verdict.TotalTestCases,
		PointsEarned:    o.PointsEarned,
	}
}

// Coordinator fetches test cases, grades and scores one submission. It never
// retries a grading run.
type Coordinator struct {
	testCases TestCaseSource
	grader    Grader
	sender    progress.Sender
}

// NewCoordinator creates a coordinator. A nil sender discards results.
func NewCoordinator(testCases TestCaseSource, grader Grader, sender progress.Sender) *Coordinator {
	if sender == nil {
		sender = progress.NopSender{}
	}
	return &Coordinator{testCases: testCases, grader: grader, sender: sender}
}

// Process grades in and pushes the scored result to the submitter exactly
// once. A test case fetch failure is final: the submitter receives an ERROR
// result and the outcome carries JudgeSystemError.
func (c *Coordinator) Process(ctx context.Context, in ProcessInput) Outcome {
	testCases, err := c.testCases.ListByProblem(ctx, in.ProblemID)
	if err != nil {
		logger.Error(ctx, "fetch test cases failed", zap.String("problem_id", in.ProblemID), zap.Error(err))
		outcome := Outcome{
			Verdict:   model.Verdict{Status: model.StatusError},
			ErrorCode: appErr.JudgeSystemError,
		}
		c.sender.Send(in.UserID, model.EventResult, outcome.Result())
		return outcome
	}

	verdict := c.grader.Grade(ctx, engine.GradingContext{
		UserID:       in.UserID,
		SubmissionID: in.SubmissionID,
		SourceCode:   in.Code,
		Language:     in.Language,
		TestCases:    testCases,
		TimeLimit:    in.TimeLimit,
	})

	points := CalculatePoints(verdict.TestCasesPassed, verdict.TotalTestCases, in.ProblemPoints)
	verdict.PointsEarned = &points
	outcome := Outcome{Verdict: verdict, PointsEarned: points}
	c.sender.Send(in.UserID, model.EventResult, outcome.Result())
	return outcome
}

// CalculatePoints returns floor(passed/total * points), or 0 when total is 0.
func CalculatePoints(passed, total, points int) int {
	if total <= 0 || passed <= 0 || points <= 0 {
		return 0
	}
	if passed > total {
		passed = total
	}
	return int(int64(passed) * int64(points) / int64(total))
}
