// Package engine grades one submission end to end and produces exactly one
// terminal verdict.
package engine

import (
	"context"
	"time"

	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/metrics"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/progress"
	"contestjudge/internal/judge/sandbox"
)

const defaultTeardownTimeout = 10 * time.Second

// GradingContext is owned by exactly one Grade call.
type GradingContext struct {
	UserID       string
	SubmissionID string
	SourceCode   string
	Language     string
	TestCases    []model.TestCase
	TimeLimit    time.Duration
}

// LanguageResolver maps a declared language to its execution contract.
type LanguageResolver interface {
	Resolve(lang string) (language.Spec, error)
}

// Engine runs grading state machines. It is safe for concurrent use; every
// run owns its own sandbox.
type Engine struct {
	provider        sandbox.Provider
	languages       LanguageResolver
	sender          progress.Sender
	metrics         *metrics.Recorder
	teardownTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records sandbox and verdict metrics on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithTeardownTimeout bounds sandbox teardown.
func WithTeardownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.teardownTimeout = d
		}
	}
}

// New creates an engine. A nil sender discards progress events.
func New(provider sandbox.Provider, languages LanguageResolver, sender progress.Sender, opts ...Option) *Engine {
	if sender == nil {
		sender = progress.NopSender{}
	}
	e := &Engine{
		provider:        provider,
		languages:       languages,
		sender:          sender,
		teardownTimeout: defaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Grade runs gc to completion. It never fails: every failure becomes the
// returned verdict, which is also pushed to the user as the last
// submission:update event of the run. Cancelling ctx does not stop a run;
// each test case is bounded by gc.TimeLimit and the sandbox lifetime.
func (e *Engine) Grade(ctx context.Context, gc GradingContext) (verdict model.Verdict) {
	r := newRun(ctx, e, gc)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.recovered(p)
		}
		r.teardown()
		verdict = r.verdict
		e.sender.Send(gc.UserID, model.EventUpdate, verdict)
		e.metrics.ObserveVerdict(string(verdict.Status), time.Since(start))
	}()

	for state := stateResolve; state != nil; {
		state = state(r)
	}
	return r.verdict
}
