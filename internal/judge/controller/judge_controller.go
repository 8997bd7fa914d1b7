package controller

import (
	"context"
	"strings"

	"contestjudge/internal/common/http/middleware"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/service"
	"contestjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JudgeService is the service surface the controller drives.
type JudgeService interface {
	Submit(ctx context.Context, input service.SubmitInput) (service.SubmitResult, error)
	GetStatus(ctx context.Context, submissionID, userID string) (model.SubmissionStatus, error)
}

// LanguageLister lists the languages that can be graded.
type LanguageLister interface {
	Supported() []string
}

// JudgeController handles submission HTTP endpoints.
type JudgeController struct {
	judgeService JudgeService
	languages    LanguageLister
}

// NewJudgeController creates a new controller.
func NewJudgeController(judgeService JudgeService, languages LanguageLister) *JudgeController {
	return &JudgeController{judgeService: judgeService, languages: languages}
}

// Submit accepts a submission from the authenticated user. Async deployments
// answer 202 with the PENDING submission; sync deployments answer with the
// graded result.
func (h *JudgeController) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	res, err := h.judgeService.Submit(c.Request.Context(), service.SubmitInput{
		UserID:         c.GetString(middleware.UserIDKey),
		ProblemID:      req.ProblemID,
		Language:       req.Language,
		Code:           req.Code,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	resp := SubmitResponse{
		SubmissionID: res.SubmissionID,
		Status:       string(res.Status),
		CreatedAt:    res.CreatedAt,
	}
	if res.Outcome == nil {
		response.Accepted(c, resp)
		return
	}
	verdict := res.Outcome.Verdict
	resp.TestCasesPassed = &verdict.TestCasesPassed
	resp.TotalTestCases = &verdict.TotalTestCases
	resp.PointsEarned = &res.Outcome.PointsEarned
	resp.Input = verdict.Input
	resp.Output = verdict.Output
	resp.Expected = verdict.Expected
	response.Success(c, resp)
}

// GetStatus returns the status of one of the caller's submissions.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.judgeService.GetStatus(c.Request.Context(), submissionID, c.GetString(middleware.UserIDKey))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Languages lists the supported languages.
func (h *JudgeController) Languages(c *gin.Context) {
	response.Success(c, LanguagesResponse{Languages: h.languages.Supported()})
}

// SubmitRequest defines submission payload.
type SubmitRequest struct {
	ProblemID string `json:"problemId" binding:"required"`
	Language  string `json:"language" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

// SubmitResponse defines submission response payload. Scores are present
// only once the submission has been graded.
type SubmitResponse struct {
	SubmissionID    string `json:"submissionId"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"createdAt"`
	TestCasesPassed *int   `json:"testCasesPassed,omitempty"`
	TotalTestCases  *int   `json:"totalTestCases,omitempty"`
	PointsEarned    *int   `json:"pointsEarned,omitempty"`
	Input           string `json:"input,omitempty"`
	Output          string `json:"output,omitempty"`
	Expected        string `json:"expected,omitempty"`
}

// LanguagesResponse lists supported languages.
type LanguagesResponse struct {
	Languages []string `json:"languages"`
}
