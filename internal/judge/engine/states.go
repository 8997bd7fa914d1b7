package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/sandbox"
	appErr "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/contextkey"
	"contestjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// stateFn is one state of a grading run; it returns the next state, or nil
// once the run is over.
type stateFn func(r *run) stateFn

// run is the mutable state of one Grade call.
type run struct {
	ctx    context.Context
	engine *Engine
	gc     GradingContext

	lang   language.Spec
	box    sandbox.Sandbox
	index  int
	passed int

	// failed is the test case that ended the run, if any.
	failed  *model.TestCase
	verdict model.Verdict

	cleanup      []func()
	teardownOnce sync.Once
}

func newRun(ctx context.Context, e *Engine, gc GradingContext) *run {
	ctx = context.WithoutCancel(ctx)
	if gc.SubmissionID != "" {
		ctx = context.WithValue(ctx, contextkey.SubmissionID, gc.SubmissionID)
	}
	if gc.UserID != "" {
		ctx = context.WithValue(ctx, contextkey.UserID, gc.UserID)
	}
	return &run{
		ctx:    ctx,
		engine: e,
		gc:     gc,
		verdict: model.Verdict{
			Status:         model.StatusError,
			TotalTestCases: len(gc.TestCases),
		},
	}
}

// stateResolve rejects unsupported languages before any sandbox is spent.
func stateResolve(r *run) stateFn {
	lang, err := r.engine.languages.Resolve(r.gc.Language)
	if err != nil {
		return r.fail("resolve", err)
	}
	r.lang = lang
	if len(r.gc.TestCases) == 0 {
		return r.fail("resolve", appErr.New(appErr.TestCaseNotFound).WithMessage("problem has no test cases"))
	}
	return stateProvision
}

// stateProvision acquires the sandbox for the whole attempt and schedules its
// teardown. A provider may hand back a partial sandbox together with an
// error; it is torn down all the same.
func stateProvision(r *run) stateFn {
	box, err := r.engine.provider.Create(r.ctx, r.gc.TimeLimit)
	if box != nil {
		r.box = box
		r.engine.metrics.SandboxCreated()
		r.deferCleanup(func() { r.destroy(box) })
	}
	if err != nil {
		r.engine.metrics.SandboxFailed()
		return r.fail("provision", err)
	}
	return stateLoad
}

func stateLoad(r *run) stateFn {
	if err := r.box.WriteFile(r.ctx, r.lang.SourceFile, []byte(r.gc.SourceCode)); err != nil {
		return r.fail("load", err)
	}
	return stateRunning
}

// stateRunning grades test case r.index and stops at the first failure.
func stateRunning(r *run) stateFn {
	if r.index >= len(r.gc.TestCases) {
		r.verdict.Status = model.StatusAccepted
		return stateVerdict
	}
	tc := r.gc.TestCases[r.index]

	proc, err := r.box.RunBackground(r.ctx, r.lang.RunCommand, r.gc.TimeLimit)
	if err != nil {
		return r.fail("run", err)
	}
	if err := proc.SendStdin(r.ctx, []byte(tc.Input+"\n")); err != nil {
		return r.fail("stdin", err)
	}
	res, err := proc.Wait(r.ctx)
	if err != nil {
		return r.fail("wait", err)
	}

	expected := strings.TrimSpace(tc.ExpectedOutput)
	if res.TimedOut || res.ExitCode != 0 {
		r.failed = &tc
		r.verdict.Status = model.StatusRuntimeError
		r.verdict.Input = tc.Input
		r.verdict.Output = res.Stderr
		r.verdict.Expected = expected
		return stateVerdict
	}
	actual := strings.TrimSpace(res.Stdout)
	// A truncated stdout is never the full answer, even when its prefix matches.
	if res.StdoutTruncated || actual != expected {
		r.failed = &tc
		r.verdict.Status = model.StatusWrongAnswer
		r.verdict.Input = tc.Input
		r.verdict.Output = actual
		r.verdict.Expected = expected
		return stateVerdict
	}

	r.passed++
	r.index++
	r.engine.sender.Send(r.gc.UserID, model.EventUpdate, model.ProgressEvent{
		Status:          model.StatusRunning,
		TestCasesPassed: r.passed,
		TotalTestCases:  len(r.gc.TestCases),
	})
	return stateRunning
}

// stateVerdict seals the terminal verdict.
func stateVerdict(r *run) stateFn {
	r.verdict.TestCasesPassed = r.passed
	r.verdict.TotalTestCases = len(r.gc.TestCases)
	if r.failed != nil && r.failed.IsHidden {
		r.verdict = r.verdict.StripDiagnostics()
	}
	return nil
}

// fail logs err with its stage and ends the run with ERROR. The error detail
// stays out of the verdict.
func (r *run) fail(stage string, err error) stateFn {
	logger.Error(r.ctx, "grading failed",
		zap.String("stage", stage),
		zap.Int("test_case", r.index),
		zap.Int("code", int(appErr.GetCode(err))),
		zap.Error(err),
	)
	r.verdict = model.Verdict{Status: model.StatusError}
	return stateVerdict
}

func (r *run) recovered(p any) {
	logger.Error(r.ctx, "grading panicked",
		zap.String("panic", fmt.Sprint(p)),
		zap.Int("test_case", r.index),
		zap.Stack("stack"),
	)
	r.verdict = model.Verdict{
		Status:          model.StatusError,
		TestCasesPassed: r.passed,
		TotalTestCases:  len(r.gc.TestCases),
	}
}

func (r *run) deferCleanup(fn func()) {
	r.cleanup = append(r.cleanup, fn)
}

// teardown runs scheduled cleanups in reverse order, once.
func (r *run) teardown() {
	r.teardownOnce.Do(func() {
		for i := len(r.cleanup) - 1; i >= 0; i-- {
			r.cleanup[i]()
		}
	})
}

func (r *run) destroy(box sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.engine.teardownTimeout)
	defer cancel()
	defer r.engine.metrics.SandboxDestroyed()
	defer func() {
		if p := recover(); p != nil {
			logger.Error(r.ctx, "sandbox teardown panicked", zap.String("panic", fmt.Sprint(p)))
		}
	}()
	if err := box.Destroy(ctx); err != nil {
		logger.Warn(r.ctx, "sandbox teardown failed", zap.Error(err))
	}
}
