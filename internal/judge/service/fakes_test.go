package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"contestjudge/internal/common/cache"
	"contestjudge/internal/common/db"
	"contestjudge/internal/common/mq"
	"contestjudge/internal/judge/engine"
	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type sentEvent struct {
	userID  string
	event   string
	payload any
}

type recordingSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (s *recordingSender) Send(userID, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{userID: userID, event: event, payload: payload})
}

func (s *recordingSender) all() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.events...)
}

type fakeGrader struct {
	mu      sync.Mutex
	verdict model.Verdict
	calls   []engine.GradingContext
	// onGrade runs before the verdict is returned.
	onGrade func(ctx context.Context)
}

func (g *fakeGrader) Grade(ctx context.Context, gc engine.GradingContext) model.Verdict {
	if g.onGrade != nil {
		g.onGrade(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gc)
	return g.verdict
}

func (g *fakeGrader) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeTestCases struct {
	mu    sync.Mutex
	cases map[string][]model.TestCase
	err   error
	// failures limits err to the first n lookups; zero means every lookup.
	failures int
	lookups  int
}

func (f *fakeTestCases) ListByProblem(_ context.Context, problemID string) ([]model.TestCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil && (f.failures == 0 || f.lookups <= f.failures) {
		return nil, f.err
	}
	return f.cases[problemID], nil
}

type fakeProblems map[string]model.Problem

func (f fakeProblems) Get(_ context.Context, problemID string) (model.Problem, error) {
	p, ok := f[problemID]
	if !ok {
		return model.Problem{}, repository.ErrProblemNotFound
	}
	return p, nil
}

// memSubmissions is an in-memory SubmissionRepository.
type memSubmissions struct {
	mu        sync.Mutex
	rows      map[string]*repository.Submission
	statuses  map[string]model.SubmissionStatus
	results   []model.SubmissionStatus
	createErr error
}

func newMemSubmissions() *memSubmissions {
	return &memSubmissions{
		rows:     make(map[string]*repository.Submission),
		statuses: make(map[string]model.SubmissionStatus),
	}
}

func (m *memSubmissions) CreatePending(_ context.Context, _ db.Transaction, s *repository.Submission) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.rows[s.SubmissionID] = &copied
	m.statuses[s.SubmissionID] = model.SubmissionStatus{
		SubmissionID: s.SubmissionID,
		UserID:       s.UserID,
		ProblemID:    s.ProblemID,
		Language:     s.Language,
		Status:       model.StatusPending,
	}
	return nil
}

func (m *memSubmissions) SaveResult(_ context.Context, status model.SubmissionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.statuses[status.SubmissionID]
	if !ok {
		return repository.ErrSubmissionNotFound
	}
	if current.Status.Terminal() {
		return repository.ErrSubmissionFinalized
	}
	m.statuses[status.SubmissionID] = status
	m.results = append(m.results, status)
	return nil
}

func (m *memSubmissions) GetStatus(_ context.Context, submissionID string) (model.SubmissionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[submissionID]
	if !ok {
		return model.SubmissionStatus{}, repository.ErrSubmissionNotFound
	}
	return st, nil
}

type recordingProducer struct {
	mu       sync.Mutex
	topics   []string
	messages []*mq.Message
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, message)
	return nil
}

type fakeStatusEvents struct {
	mu     sync.Mutex
	events []model.SubmissionStatus
}

func (f *fakeStatusEvents) PublishFinalStatus(_ context.Context, status model.SubmissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, status)
	return nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) RemoveObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

type harness struct {
	svc          *Service
	grader       *fakeGrader
	testCases    *fakeTestCases
	sender       *recordingSender
	submissions  *memSubmissions
	producer     *recordingProducer
	statusEvents *fakeStatusEvents
	statusRepo   *repository.StatusRepository
	storage      *memStorage
	mr           *miniredis.Miniredis
}

type harnessOption func(*Config)

func newHarness(t *testing.T, mode Mode, opts ...harnessOption) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	resolver, err := language.NewResolver()
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	store := &memStorage{objects: make(map[string][]byte)}
	archive, err := repository.NewSourceArchive(store, "sources")
	if err != nil {
		t.Fatalf("NewSourceArchive() error = %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })

	h := &harness{
		grader: &fakeGrader{verdict: model.Verdict{
			Status: model.StatusAccepted, TestCasesPassed: 2, TotalTestCases: 2,
		}},
		sender:       &recordingSender{},
		submissions:  newMemSubmissions(),
		producer:     &recordingProducer{},
		statusEvents: &fakeStatusEvents{},
		statusRepo:   repository.NewStatusRepository(rc, time.Hour),
		storage:      store,
		mr:           mr,
	}
	h.testCases = &fakeTestCases{cases: map[string][]model.TestCase{
		"p1": {{ID: "t1", Input: "1", ExpectedOutput: "2"}, {ID: "t2", Input: "2", ExpectedOutput: "4"}},
	}}
	cfg := Config{
		Coordinator:    NewCoordinator(h.testCases, h.grader, h.sender),
		Languages:      resolver,
		Problems:       fakeProblems{"p1": {ID: "p1", Points: 100, TimeLimitMs: 2000}},
		Submissions:    h.submissions,
		StatusRepo:     h.statusRepo,
		Archive:        archive,
		Producer:       h.producer,
		StatusEvents:   h.statusEvents,
		Cache:          rc,
		Mode:           mode,
		JudgeTopic:     "judge.tasks",
		MaxCodeBytes:   1024,
		WorkerPoolSize: 2,
		SlotWait:       20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.svc, err = NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return h
}
