package repository

import (
	"context"
	"errors"
	"time"

	"contestjudge/internal/common/cache"
	"contestjudge/internal/common/db"
	"contestjudge/internal/judge/model"
)

const (
	defaultTestCaseTTL      = 10 * time.Minute
	defaultTestCaseEmptyTTL = time.Minute
	testCaseKeyPrefix       = "judge:testcases:"
)

// TestCaseRepository lists the test cases of a problem in creation order.
type TestCaseRepository interface {
	ListByProblem(ctx context.Context, problemID string) ([]model.TestCase, error)
}

// MySQLTestCaseRepository reads test cases from MySQL behind a Redis cache.
type MySQLTestCaseRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewTestCaseRepository(database db.Database, cacheClient cache.Cache) *MySQLTestCaseRepository {
	return NewTestCaseRepositoryWithTTL(database, cacheClient, defaultTestCaseTTL, defaultTestCaseEmptyTTL)
}

func NewTestCaseRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLTestCaseRepository {
	if ttl <= 0 {
		ttl = defaultTestCaseTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultTestCaseEmptyTTL
	}
	return &MySQLTestCaseRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

// ListByProblem returns an empty slice, not an error, for a problem without test cases.
func (r *MySQLTestCaseRepository) ListByProblem(ctx context.Context, problemID string) ([]model.TestCase, error) {
	if problemID == "" {
		return nil, errors.New("problemID is required")
	}
	if r.cache == nil {
		return r.listFromDB(ctx, problemID)
	}
	return cache.GetWithCached[[]model.TestCase](
		ctx,
		r.cache,
		testCaseKeyPrefix+problemID,
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(tcs []model.TestCase) bool { return len(tcs) == 0 },
		marshalJSON[[]model.TestCase],
		unmarshalJSON[[]model.TestCase],
		func(ctx context.Context) ([]model.TestCase, error) {
			return r.listFromDB(ctx, problemID)
		},
	)
}

func (r *MySQLTestCaseRepository) listFromDB(ctx context.Context, problemID string) ([]model.TestCase, error) {
	query := "SELECT id, input, expected_output, is_hidden FROM test_cases WHERE problem_id = ? ORDER BY created_at, id"
	rows, err := r.db.Query(ctx, query, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.Input, &tc.ExpectedOutput, &tc.IsHidden); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
