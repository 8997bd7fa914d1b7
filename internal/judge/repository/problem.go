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
	defaultProblemTTL      = 30 * time.Minute
	defaultProblemEmptyTTL = 5 * time.Minute
	problemKeyPrefix       = "judge:problem:"
)

var ErrProblemNotFound = errors.New("problem not found")

// ProblemRepository reads the grading parameters of a problem.
type ProblemRepository interface {
	Get(ctx context.Context, problemID string) (model.Problem, error)
}

// MySQLProblemRepository reads problems from MySQL behind a Redis cache.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) *MySQLProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultProblemTTL, defaultProblemEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

func (r *MySQLProblemRepository) Get(ctx context.Context, problemID string) (model.Problem, error) {
	if problemID == "" {
		return model.Problem{}, errors.New("problemID is required")
	}
	if r.cache == nil {
		return r.getFromDB(ctx, problemID)
	}
	problem, err := cache.GetWithCached[model.Problem](
		ctx,
		r.cache,
		problemKeyPrefix+problemID,
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(p model.Problem) bool { return p.ID == "" },
		marshalJSON[model.Problem],
		unmarshalJSON[model.Problem],
		func(ctx context.Context) (model.Problem, error) {
			p, err := r.getFromDB(ctx, problemID)
			if errors.Is(err, ErrProblemNotFound) {
				return model.Problem{}, nil
			}
			return p, err
		},
	)
	if err != nil {
		return model.Problem{}, err
	}
	if problem.ID == "" {
		return model.Problem{}, ErrProblemNotFound
	}
	return problem, nil
}

func (r *MySQLProblemRepository) getFromDB(ctx context.Context, problemID string) (model.Problem, error) {
	row := r.db.QueryRow(ctx, "SELECT id, points, time_limit_ms FROM problems WHERE id = ? LIMIT 1", problemID)
	var p model.Problem
	if err := row.Scan(&p.ID, &p.Points, &p.TimeLimitMs); err != nil {
		if db.IsNoRows(err) {
			return model.Problem{}, ErrProblemNotFound
		}
		return model.Problem{}, err
	}
	return p, nil
}
