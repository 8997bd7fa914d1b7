package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/sandbox"
	appErr "contestjudge/pkg/errors"
)

// program decides the result of one run from the stdin it received.
type program func(stdin string) (sandbox.Result, error)

type fakeProvider struct {
	mu        sync.Mutex
	creates   int
	createErr error
	partial   bool
	box       *fakeSandbox
}

func (p *fakeProvider) Create(ctx context.Context, timeLimit time.Duration) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createErr != nil {
		if p.partial {
			return p.box, p.createErr
		}
		return nil, p.createErr
	}
	return p.box, nil
}

type fakeSandbox struct {
	mu         sync.Mutex
	files      map[string]string
	writeErr   error
	runErr     error
	stdinErr   error
	destroyErr error
	destroys   int
	runs       int
	program    program
	panicOnRun bool
}

func newFakeSandbox(p program) *fakeSandbox {
	return &fakeSandbox{files: make(map[string]string), program: p}
}

func (s *fakeSandbox) WriteFile(_ context.Context, name string, data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.files[name] = string(data)
	return nil
}

func (s *fakeSandbox) RunBackground(_ context.Context, cmd []string, _ time.Duration) (sandbox.Process, error) {
	if s.panicOnRun {
		panic("sandbox exploded")
	}
	if s.runErr != nil {
		return nil, s.runErr
	}
	s.runs++
	return &fakeProcess{box: s}, nil
}

func (s *fakeSandbox) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroys++
	return s.destroyErr
}

type fakeProcess struct {
	box   *fakeSandbox
	stdin string
}

func (p *fakeProcess) SendStdin(_ context.Context, data []byte) error {
	if p.box.stdinErr != nil {
		return p.box.stdinErr
	}
	p.stdin = string(data)
	return nil
}

func (p *fakeProcess) Wait(context.Context) (sandbox.Result, error) {
	return p.box.program(p.stdin)
}

type sentEvent struct {
	userID string
	event  string
	data   model.ProgressEvent
}

type recordingSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (s *recordingSender) Send(userID, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{userID: userID, event: event, data: payload.(model.ProgressEvent)})
}

// doubler echoes twice the integer on stdin, like a correct solution.
func doubler(stdin string) (sandbox.Result, error) {
	switch strings.TrimSpace(stdin) {
	case "1":
		return sandbox.Result{Stdout: "2\n"}, nil
	case "2":
		return sandbox.Result{Stdout: "4\n"}, nil
	case "3":
		return sandbox.Result{Stdout: "6\n"}, nil
	case "crash":
		return sandbox.Result{ExitCode: 1, Stderr: "Traceback: boom"}, nil
	case "slow":
		return sandbox.Result{ExitCode: -1, TimedOut: true}, nil
	default:
		return sandbox.Result{Stdout: "?"}, nil
	}
}

func cases(pairs ...string) []model.TestCase {
	var out []model.TestCase
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.TestCase{ID: pairs[i], Input: pairs[i], ExpectedOutput: pairs[i+1]})
	}
	return out
}

func newTestEngine(t *testing.T, provider *fakeProvider) (*Engine, *recordingSender) {
	t.Helper()
	resolver, err := language.NewResolver()
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	sender := &recordingSender{}
	return New(provider, resolver, sender), sender
}

func gradingContext(lang string, tcs []model.TestCase) GradingContext {
	return GradingContext{
		UserID:       "u1",
		SubmissionID: "s1",
		SourceCode:   "print(int(input())*2)",
		Language:     lang,
		TestCases:    tcs,
		TimeLimit:    2 * time.Second,
	}
}

func assertEvents(t *testing.T, got []sentEvent, want []model.ProgressEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i].event != model.EventUpdate || got[i].userID != "u1" {
			t.Fatalf("event %d routed as %q to %q", i, got[i].event, got[i].userID)
		}
		if got[i].data != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, got[i].data, want[i])
		}
	}
}

func TestGradeAllPass(t *testing.T) {
	box := newFakeSandbox(doubler)
	provider := &fakeProvider{box: box}
	e, sender := newTestEngine(t, provider)

	v := e.Grade(context.Background(), gradingContext("python", cases("1", "2", "2", " 4 ")))

	want := model.Verdict{Status: model.StatusAccepted, TestCasesPassed: 2, TotalTestCases: 2}
	if v != want {
		t.Fatalf("verdict = %+v", v)
	}
	assertEvents(t, sender.events, []model.ProgressEvent{
		{Status: model.StatusRunning, TestCasesPassed: 1, TotalTestCases: 2},
		{Status: model.StatusRunning, TestCasesPassed: 2, TotalTestCases: 2},
		want,
	})
	if box.files["solution.py"] != "print(int(input())*2)" {
		t.Fatalf("source not written under resolved name: %v", box.files)
	}
	if box.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", box.destroys)
	}
}

func TestGradeWrongAnswerStopsEarly(t *testing.T) {
	box := newFakeSandbox(doubler)
	e, sender := newTestEngine(t, &fakeProvider{box: box})

	v := e.Grade(context.Background(), gradingContext("python", cases("1", "2", "2", "5", "3", "6")))

	want := model.Verdict{
		Status:          model.StatusWrongAnswer,
		TestCasesPassed: 1,
		TotalTestCases:  3,
		Input:           "2",
		Output:          "4",
		Expected:        "5",
	}
	if v != want {
		t.Fatalf("verdict = %+v, want %+v", v, want)
	}
	assertEvents(t, sender.events, []model.ProgressEvent{
		{Status: model.StatusRunning, TestCasesPassed: 1, TotalTestCases: 3},
		want,
	})
	if box.runs != 2 {
		t.Fatalf("runs = %d, want 2 (fail fast)", box.runs)
	}
}

func TestGradeRuntimeErrorCarriesStderr(t *testing.T) {
	box := newFakeSandbox(doubler)
	e, sender := newTestEngine(t, &fakeProvider{box: box})

	v := e.Grade(context.Background(), gradingContext("python", cases("crash", " x \n", "1", "2")))

	want := model.Verdict{
		Status:         model.StatusRuntimeError,
		TotalTestCases: 2,
		Input:          "crash",
		Output:         "Traceback: boom",
		Expected:       "x",
	}
	if v != want {
		t.Fatalf("verdict = %+v, want %+v", v, want)
	}
	assertEvents(t, sender.events, []model.ProgressEvent{want})
	if box.destroys != 1 {
		t.Fatalf("destroys = %d", box.destroys)
	}
}

func TestGradeTimeoutIsRuntimeError(t *testing.T) {
	box := newFakeSandbox(doubler)
	e, _ := newTestEngine(t, &fakeProvider{box: box})
	v := e.Grade(context.Background(), gradingContext("python", cases("1", "2", "slow", "0")))
	if v.Status != model.StatusRuntimeError || v.TestCasesPassed != 1 {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestGradeUnsupportedLanguageSkipsProvisioning(t *testing.T) {
	provider := &fakeProvider{box: newFakeSandbox(doubler)}
	e, sender := newTestEngine(t, provider)

	v := e.Grade(context.Background(), gradingContext("brainfuck", cases("1", "2")))

	want := model.Verdict{Status: model.StatusError, TestCasesPassed: 0, TotalTestCases: 1}
	if v != want {
		t.Fatalf("verdict = %+v, want %+v", v, want)
	}
	if provider.creates != 0 {
		t.Fatalf("sandbox created %d times for unsupported language", provider.creates)
	}
	assertEvents(t, sender.events, []model.ProgressEvent{want})
}

func TestGradeEmptyTestCasesSkipsProvisioning(t *testing.T) {
	provider := &fakeProvider{box: newFakeSandbox(doubler)}
	e, _ := newTestEngine(t, provider)
	v := e.Grade(context.Background(), gradingContext("python", nil))
	if v.Status != model.StatusError || v.TotalTestCases != 0 || provider.creates != 0 {
		t.Fatalf("verdict = %+v creates = %d", v, provider.creates)
	}
}

func TestGradeHiddenTestCaseHidesDiagnostics(t *testing.T) {
	box := newFakeSandbox(doubler)
	e, sender := newTestEngine(t, &fakeProvider{box: box})
	tcs := cases("1", "2", "2", "5")
	tcs[1].IsHidden = true

	v := e.Grade(context.Background(), gradingContext("python", tcs))

	want := model.Verdict{Status: model.StatusWrongAnswer, TestCasesPassed: 1, TotalTestCases: 2}
	if v != want {
		t.Fatalf("verdict = %+v, want %+v", v, want)
	}
	last := sender.events[len(sender.events)-1].data
	if last.Input != "" || last.Output != "" || last.Expected != "" {
		t.Fatalf("hidden diagnostics leaked: %+v", last)
	}
}

func TestGradeTeardownExactlyOnce(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		setup       func(p *fakeProvider)
		status      model.Status
		passed      int
		wantDestroy int
	}{
		{name: "accepted", setup: func(*fakeProvider) {}, status: model.StatusAccepted, passed: 2, wantDestroy: 1},
		{name: "write error", setup: func(p *fakeProvider) { p.box.writeErr = boom }, status: model.StatusError, wantDestroy: 1},
		{name: "run error", setup: func(p *fakeProvider) { p.box.runErr = boom }, status: model.StatusError, wantDestroy: 1},
		{name: "stdin error", setup: func(p *fakeProvider) { p.box.stdinErr = boom }, status: model.StatusError, wantDestroy: 1},
		{
			name: "wait error after one pass",
			setup: func(p *fakeProvider) {
				p.box.program = func(stdin string) (sandbox.Result, error) {
					if strings.TrimSpace(stdin) == "1" {
						return sandbox.Result{Stdout: "2"}, nil
					}
					return sandbox.Result{}, boom
				}
			},
			status: model.StatusError, passed: 1, wantDestroy: 1,
		},
		{name: "panic", setup: func(p *fakeProvider) { p.box.panicOnRun = true }, status: model.StatusError, wantDestroy: 1},
		{name: "teardown error", setup: func(p *fakeProvider) { p.box.destroyErr = boom }, status: model.StatusAccepted, passed: 2, wantDestroy: 1},
		{name: "provision error", setup: func(p *fakeProvider) { p.createErr = boom }, status: model.StatusError, wantDestroy: 0},
		{
			name:        "partial provision",
			setup:       func(p *fakeProvider) { p.createErr = appErr.New(appErr.SandboxProvisionFailed); p.partial = true },
			status:      model.StatusError,
			wantDestroy: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{box: newFakeSandbox(doubler)}
			tt.setup(provider)
			e, sender := newTestEngine(t, provider)

			v := e.Grade(context.Background(), gradingContext("python", cases("1", "2", "2", "4")))

			if v.Status != tt.status || v.TestCasesPassed != tt.passed {
				t.Fatalf("verdict = %+v, want %s with %d passed", v, tt.status, tt.passed)
			}
			if provider.box.destroys != tt.wantDestroy {
				t.Fatalf("destroys = %d, want %d", provider.box.destroys, tt.wantDestroy)
			}
			if v.Status == model.StatusError && (v.Input != "" || v.Output != "" || v.Expected != "") {
				t.Fatalf("unclassified error leaked diagnostics: %+v", v)
			}
			assertSingleTerminal(t, sender.events)
		})
	}
}

// assertSingleTerminal checks exactly one terminal event, last, with a
// non-decreasing pass count.
func assertSingleTerminal(t *testing.T, events []sentEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("no events emitted")
	}
	prev := 0
	for i, ev := range events {
		terminal := ev.data.Status.Terminal()
		if terminal != (i == len(events)-1) {
			t.Fatalf("event %d terminal=%v in %+v", i, terminal, events)
		}
		if ev.data.TestCasesPassed < prev || ev.data.TestCasesPassed > ev.data.TotalTestCases {
			t.Fatalf("pass count went %d -> %d (total %d)", prev, ev.data.TestCasesPassed, ev.data.TotalTestCases)
		}
		prev = ev.data.TestCasesPassed
	}
	last := events[len(events)-1].data
	allPassed := last.TotalTestCases > 0 && last.TestCasesPassed == last.TotalTestCases
	if (last.Status == model.StatusAccepted) != allPassed {
		t.Fatalf("ACCEPTED iff all passed violated: %+v", last)
	}
}

func TestGradeConcurrentRunsAreIsolated(t *testing.T) {
	resolver, _ := language.NewResolver()
	sender := &recordingSender{}
	var wg sync.WaitGroup
	providers := make([]*fakeProvider, 8)
	for i := range providers {
		providers[i] = &fakeProvider{box: newFakeSandbox(doubler)}
	}
	for i := range providers {
		wg.Add(1)
		go func(p *fakeProvider) {
			defer wg.Done()
			e := New(p, resolver, sender)
			if v := e.Grade(context.Background(), gradingContext("python", cases("1", "2", "3", "6"))); v.Status != model.StatusAccepted {
				t.Errorf("verdict = %+v", v)
			}
		}(providers[i])
	}
	wg.Wait()
	for _, p := range providers {
		if p.creates != 1 || p.box.destroys != 1 {
			t.Fatalf("creates=%d destroys=%d", p.creates, p.box.destroys)
		}
	}
}
