package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"contestjudge/internal/common/cache"
	"contestjudge/internal/common/db"
	"contestjudge/internal/common/mq"
	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/metrics"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/repository"
	appErr "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/contextkey"
	"contestjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix = "judge:idempotency:"
	rateUserKeyPrefix    = "judge:rate:user:"
	processingMarker     = "processing"

	defaultIdempotencyTTL = 10 * time.Minute
	defaultSlotWait       = 2 * time.Second
)

// Mode selects where a submission is graded.
type Mode string

const (
	// ModeAsync publishes a judge task and grades it from the queue consumer.
	ModeAsync Mode = "async"
	// ModeSync grades inside the Submit call and returns the outcome.
	ModeSync Mode = "sync"
)

// LanguageChecker reports whether a declared language can be graded.
type LanguageChecker interface {
	Resolve(lang string) (language.Spec, error)
}

// RateLimitConfig holds per-user submission throttling.
type RateLimitConfig struct {
	UserMax int
	Window  time.Duration
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration
	Cache   time.Duration
	MQ      time.Duration
	Storage time.Duration
	Status  time.Duration
}

// Config holds judge service dependencies and settings.
type Config struct {
	Coordinator    *Coordinator
	Languages      LanguageChecker
	Problems       repository.ProblemRepository
	Submissions    repository.SubmissionRepository
	StatusRepo     *repository.StatusRepository
	Archive        *repository.SourceArchive
	Producer       mq.Producer
	StatusEvents   repository.StatusEventPublisher
	Cache          cache.Cache
	Metrics        *metrics.Recorder
	Mode           Mode
	JudgeTopic     string
	MaxCodeBytes   int
	IdempotencyTTL time.Duration
	WorkerPoolSize int
	SlotWait       time.Duration
	RateLimit      RateLimitConfig
	Timeouts       TimeoutConfig
}

// Service accepts submissions, grades them and keeps their status.
type Service struct {
	coordinator  *Coordinator
	languages    LanguageChecker
	problems     repository.ProblemRepository
	submissions  repository.SubmissionRepository
	statusRepo   *repository.StatusRepository
	archive      *repository.SourceArchive
	producer     mq.Producer
	statusEvents repository.StatusEventPublisher
	cache        cache.Cache
	metrics      *metrics.Recorder

	mode           Mode
	judgeTopic     string
	maxCodeBytes   int
	idempotencyTTL time.Duration
	slotWait       time.Duration
	rateLimit      RateLimitConfig
	timeouts       TimeoutConfig
	sem            chan struct{}
}

// SubmitInput describes a submission request.
type SubmitInput struct {
	UserID         string
	ProblemID      string
	Language       string
	Code           string
	IdempotencyKey string
}

// SubmitResult is returned by Submit. Outcome is set only in sync mode.
type SubmitResult struct {
	SubmissionID string
	Status       model.Status
	CreatedAt    int64
	Outcome      *Outcome
}

// job is one submission ready to be graded.
type job struct {
	submissionID string
	userID       string
	problemID    string
	language     string
	code         string
	createdAt    int64
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language checker is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.StatusRepo == nil {
		return nil, fmt.Errorf("status repository is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}
	switch cfg.Mode {
	case ModeAsync:
		if cfg.Producer == nil {
			return nil, fmt.Errorf("producer is required in async mode")
		}
		if cfg.JudgeTopic == "" {
			return nil, fmt.Errorf("judge topic is required in async mode")
		}
	case ModeSync:
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = defaultSlotWait
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Service{
		coordinator:    cfg.Coordinator,
		languages:      cfg.Languages,
		problems:       cfg.Problems,
		submissions:    cfg.Submissions,
		statusRepo:     cfg.StatusRepo,
		archive:        cfg.Archive,
		producer:       cfg.Producer,
		statusEvents:   cfg.StatusEvents,
		cache:          cfg.Cache,
		metrics:        cfg.Metrics,
		mode:           cfg.Mode,
		judgeTopic:     cfg.JudgeTopic,
		maxCodeBytes:   cfg.MaxCodeBytes,
		idempotencyTTL: cfg.IdempotencyTTL,
		slotWait:       cfg.SlotWait,
		rateLimit:      cfg.RateLimit,
		timeouts:       cfg.Timeouts,
		sem:            make(chan struct{}, poolSize),
	}, nil
}

// Mode reports where submissions are graded.
func (s *Service) Mode() Mode {
	return s.mode
}

// Submit records a PENDING submission and dispatches it for grading.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if err := s.validateInput(input); err != nil {
		return SubmitResult{}, err
	}
	if err := s.checkRateLimit(ctx, input.UserID); err != nil {
		return SubmitResult{}, err
	}
	if _, err := s.getProblem(ctx, input.ProblemID); err != nil {
		return SubmitResult{}, err
	}

	idemKey := idempotencyCacheKey(input.UserID, input.IdempotencyKey)
	acquired, existingID, err := s.acquireIdempotency(ctx, idemKey)
	if err != nil {
		return SubmitResult{}, err
	}
	if !acquired && existingID != "" {
		status, err := s.GetStatus(ctx, existingID, input.UserID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{SubmissionID: existingID, Status: status.Status, CreatedAt: status.CreatedAt}, nil
	}

	submissionID := uuid.NewString()
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)
	createdAt := time.Now()
	submission := &repository.Submission{
		SubmissionID: submissionID,
		ProblemID:    input.ProblemID,
		UserID:       input.UserID,
		Language:     input.Language,
	}

	if s.archive != nil {
		ctxStorage := withTimeout(ctx, s.timeouts.Storage)
		submission.SourceKey, submission.SourceHash, err = s.archive.Put(ctxStorage.ctx, submissionID, input.Code)
		ctxStorage.cancel()
		if err != nil {
			s.releaseIdempotency(ctx, idemKey, acquired)
			return SubmitResult{}, err
		}
	}

	if err := s.createSubmission(ctx, submission); err != nil {
		s.removeSource(ctx, submission.SourceKey)
		s.releaseIdempotency(ctx, idemKey, acquired)
		return SubmitResult{}, err
	}

	pending := model.SubmissionStatus{
		SubmissionID: submissionID,
		UserID:       input.UserID,
		ProblemID:    input.ProblemID,
		Language:     input.Language,
		Status:       model.StatusPending,
		CreatedAt:    createdAt.Unix(),
	}
	if err := s.saveStatus(ctx, pending); err != nil {
		s.releaseIdempotency(ctx, idemKey, acquired)
		return SubmitResult{}, err
	}
	s.metrics.SubmissionAccepted(input.Language)

	result := SubmitResult{SubmissionID: submissionID, Status: model.StatusPending, CreatedAt: pending.CreatedAt}
	if s.mode == ModeAsync {
		if err := s.publishMessage(ctx, submission, input.Code, pending.CreatedAt); err != nil {
			s.releaseIdempotency(ctx, idemKey, acquired)
			return SubmitResult{}, err
		}
		s.finalizeIdempotency(ctx, idemKey, submissionID, acquired)
		return result, nil
	}

	s.finalizeIdempotency(ctx, idemKey, submissionID, acquired)
	// Once accepted the run is bound only by its time budget; a client that
	// goes away does not cancel it.
	runCtx := context.WithoutCancel(ctx)
	if err := s.acquireSlot(ctx); err != nil {
		s.failStatus(runCtx, pending, err)
		return SubmitResult{}, err
	}
	defer s.releaseSlot()

	outcome, err := s.judge(runCtx, job{
		submissionID: submissionID,
		userID:       input.UserID,
		problemID:    input.ProblemID,
		language:     input.Language,
		code:         input.Code,
		createdAt:    pending.CreatedAt,
	})
	if err != nil {
		s.failStatus(runCtx, pending, err)
		return SubmitResult{}, err
	}
	result.Status = outcome.Verdict.Status
	result.Outcome = &outcome
	return result, nil
}

// HandleMessage grades one judge task from the queue. Malformed tasks are
// dropped; a full worker pool is returned as an error so the task is retried.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var payload model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		logger.Warn(ctx, "drop undecodable judge message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if payload.SubmissionID == "" || payload.ProblemID == "" || payload.UserID == "" || payload.Language == "" ||
		(payload.Source == "" && payload.SourceKey == "") {
		logger.Warn(ctx, "drop incomplete judge message", zap.String("message_id", msg.ID))
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, payload.SubmissionID)
	ctx = context.WithValue(ctx, contextkey.UserID, payload.UserID)
	if s.alreadyFinal(ctx, payload.SubmissionID) {
		logger.Info(ctx, "drop redelivered judge message", zap.String("message_id", msg.ID))
		return nil
	}

	pending := model.SubmissionStatus{
		SubmissionID: payload.SubmissionID,
		UserID:       payload.UserID,
		ProblemID:    payload.ProblemID,
		Language:     payload.Language,
		Status:       model.StatusPending,
		CreatedAt:    payload.CreatedAt,
	}

	code, err := s.loadSource(ctx, payload)
	if err != nil {
		return s.handleFailure(ctx, pending, err)
	}

	if err := s.acquireSlot(ctx); err != nil {
		return err
	}
	defer s.releaseSlot()

	_, err = s.judge(ctx, job{
		submissionID: payload.SubmissionID,
		userID:       payload.UserID,
		problemID:    payload.ProblemID,
		language:     payload.Language,
		code:         code,
		createdAt:    payload.CreatedAt,
	})
	if err != nil {
		return s.handleFailure(ctx, pending, err)
	}
	return nil
}

// GetStatus returns the status of a submission owned by userID. An empty
// userID skips the ownership check.
func (s *Service) GetStatus(ctx context.Context, submissionID, userID string) (model.SubmissionStatus, error) {
	if submissionID == "" {
		return model.SubmissionStatus{}, appErr.ValidationError("submission_id", "required")
	}
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	status, err := s.statusRepo.Get(ctxStatus.ctx, submissionID)
	ctxStatus.cancel()
	if err != nil {
		if !appErr.Is(err, appErr.SubmissionNotFound) {
			logger.Warn(ctx, "read cached status failed", zap.String("submission_id", submissionID), zap.Error(err))
		}
		ctxDB := withTimeout(ctx, s.timeouts.DB)
		status, err = s.submissions.GetStatus(ctxDB.ctx, submissionID)
		ctxDB.cancel()
		if err != nil {
			if errors.Is(err, repository.ErrSubmissionNotFound) {
				return model.SubmissionStatus{}, appErr.New(appErr.SubmissionNotFound)
			}
			return model.SubmissionStatus{}, appErr.Wrapf(err, appErr.DatabaseError, "get submission status failed")
		}
	}
	if userID != "" && status.UserID != "" && status.UserID != userID {
		return model.SubmissionStatus{}, appErr.New(appErr.SubmissionNotFound)
	}
	return status, nil
}

// judge grades j and records its final status. Persistence failures after
// grading are logged, not returned, so a graded run is never graded twice.
// Caller cancellation is ignored from here on.
func (s *Service) judge(ctx context.Context, j job) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	problem, err := s.getProblem(ctx, j.problemID)
	if err != nil {
		return Outcome{}, err
	}

	status := model.SubmissionStatus{
		SubmissionID: j.submissionID,
		UserID:       j.userID,
		ProblemID:    j.problemID,
		Language:     j.language,
		Status:       model.StatusRunning,
		CreatedAt:    j.createdAt,
	}
	if err := s.saveStatus(ctx, status); err != nil {
		logger.Warn(ctx, "update running status failed", zap.Error(err))
	}

	outcome := s.coordinator.Process(ctx, ProcessInput{
		UserID:        j.userID,
		SubmissionID:  j.submissionID,
		ProblemID:     j.problemID,
		Code:          j.code,
		Language:      j.language,
		ProblemPoints: problem.Points,
		TimeLimit:     problem.TimeLimit(),
	})

	status.Status = outcome.Verdict.Status
	status.ErrorCode = int(outcome.ErrorCode)
	status.TestCasesPassed = outcome.Verdict.TestCasesPassed
	status.TotalTestCases = outcome.Verdict.TotalTestCases
	status.PointsEarned = outcome.PointsEarned
	status.FinishedAt = time.Now().Unix()
	s.finalize(ctx, status)

	logger.Info(ctx, "submission graded",
		zap.String("status", string(status.Status)),
		zap.Int("passed", status.TestCasesPassed),
		zap.Int("total", status.TotalTestCases),
		zap.Int("points", status.PointsEarned),
	)
	return outcome, nil
}

// finalize stores a terminal status everywhere it is read from.
func (s *Service) finalize(ctx context.Context, status model.SubmissionStatus) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	if err := s.submissions.SaveResult(ctxDB.ctx, status); err != nil {
		if errors.Is(err, repository.ErrSubmissionFinalized) {
			logger.Warn(ctx, "submission result already recorded")
		} else {
			logger.Error(ctx, "persist submission result failed", zap.Error(err))
		}
	}
	ctxDB.cancel()

	if err := s.saveStatus(ctx, status); err != nil {
		logger.Error(ctx, "update final status failed", zap.Error(err))
	}

	if s.statusEvents == nil {
		return
	}
	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	if err := s.statusEvents.PublishFinalStatus(ctxMQ.ctx, status); err != nil {
		logger.Warn(ctx, "publish final status failed", zap.Error(err))
	}
}

// handleFailure decides the fate of a task that could not be graded. A
// permanent failure records a final ERROR status and is swallowed; anything
// else is returned for redelivery and leaves the status non-terminal, so the
// redelivered task still produces the one final verdict.
func (s *Service) handleFailure(ctx context.Context, status model.SubmissionStatus, err error) error {
	switch appErr.GetCode(err) {
	case appErr.InvalidParams, appErr.ProblemNotFound, appErr.LanguageNotSupported, appErr.ValidationFailed:
		s.failStatus(ctx, status, err)
		return nil
	}
	logger.Warn(ctx, "judge task will be retried", zap.Error(err))
	return err
}

// alreadyFinal reports whether submissionID already has a terminal status.
// Lookup errors read as not final.
func (s *Service) alreadyFinal(ctx context.Context, submissionID string) bool {
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	status, err := s.statusRepo.Get(ctxStatus.ctx, submissionID)
	if err != nil {
		return false
	}
	return status.Status.Terminal()
}

func (s *Service) failStatus(ctx context.Context, status model.SubmissionStatus, err error) {
	status.Status = model.StatusError
	status.ErrorCode = int(appErr.GetCode(err))
	status.ErrorMessage = err.Error()
	status.FinishedAt = time.Now().Unix()
	if saveErr := s.saveStatus(ctx, status); saveErr != nil {
		logger.Warn(ctx, "update failure status failed", zap.Error(saveErr))
	}
}

func (s *Service) validateInput(input SubmitInput) error {
	if strings.TrimSpace(input.ProblemID) == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(input.UserID) == "" {
		return appErr.ValidationError("user_id", "required")
	}
	if strings.TrimSpace(input.Language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if strings.TrimSpace(input.Code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if s.maxCodeBytes > 0 && len(input.Code) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessage("source code too large")
	}
	if _, err := s.languages.Resolve(input.Language); err != nil {
		return err
	}
	return nil
}

func (s *Service) getProblem(ctx context.Context, problemID string) (model.Problem, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	problem, err := s.problems.Get(ctxDB.ctx, problemID)
	if err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			return model.Problem{}, appErr.New(appErr.ProblemNotFound)
		}
		return model.Problem{}, appErr.Wrapf(err, appErr.DatabaseError, "get problem failed")
	}
	if problem.TimeLimitMs <= 0 {
		return model.Problem{}, appErr.New(appErr.InvalidParams).WithMessage("problem has no time limit")
	}
	return problem, nil
}

func (s *Service) loadSource(ctx context.Context, payload model.JudgeMessage) (string, error) {
	if payload.Source != "" {
		return payload.Source, nil
	}
	if s.archive == nil {
		return "", appErr.New(appErr.InvalidParams).WithMessage("source archive is not configured")
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	return s.archive.Get(ctxStorage.ctx, payload.SourceKey, payload.SourceHash)
}

func (s *Service) removeSource(ctx context.Context, key string) {
	if s.archive == nil || key == "" {
		return
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.archive.Remove(ctxStorage.ctx, key); err != nil {
		logger.Warn(ctx, "remove orphaned source failed", zap.String("source_key", key), zap.Error(err))
	}
}

func (s *Service) createSubmission(ctx context.Context, submission *repository.Submission) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.submissions.CreatePending(ctxDB.ctx, nil, submission); err != nil {
		if db.IsDuplicateKey(err) {
			return appErr.Wrapf(err, appErr.RecordAlreadyExists, "submission already exists")
		}
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	return nil
}

func (s *Service) saveStatus(ctx context.Context, status model.SubmissionStatus) error {
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	return s.statusRepo.Save(ctxStatus.ctx, status)
}

func (s *Service) publishMessage(ctx context.Context, submission *repository.Submission, code string, createdAt int64) error {
	payload := model.JudgeMessage{
		SubmissionID: submission.SubmissionID,
		ProblemID:    submission.ProblemID,
		UserID:       submission.UserID,
		Language:     submission.Language,
		SourceKey:    submission.SourceKey,
		SourceHash:   submission.SourceHash,
		CreatedAt:    createdAt,
	}
	if payload.SourceKey == "" {
		payload.Source = code
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "encode judge message failed")
	}
	message := mq.NewMessage(body)
	message.ID = submission.SubmissionID

	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	if err := s.producer.Publish(ctxMQ.ctx, s.judgeTopic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish judge message failed")
	}
	return nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(s.slotWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
