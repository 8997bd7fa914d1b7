package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"contestjudge/internal/common/db"
	"contestjudge/internal/judge/model"
)

var (
	ErrSubmissionNotFound  = errors.New("submission not found")
	ErrSubmissionFinalized = errors.New("submission already has a final result")
)

// Submission is the persisted submission row.
type Submission struct {
	SubmissionID string
	ProblemID    string
	UserID       string
	Language     string
	SourceKey    string
	SourceHash   string
}

// SubmissionRepository persists submissions and their final results.
type SubmissionRepository interface {
	CreatePending(ctx context.Context, tx db.Transaction, submission *Submission) error
	SaveResult(ctx context.Context, status model.SubmissionStatus) error
	GetStatus(ctx context.Context, submissionID string) (model.SubmissionStatus, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

// CreatePending inserts a submission in PENDING state.
func (r *MySQLSubmissionRepository) CreatePending(ctx context.Context, tx db.Transaction, submission *Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.SubmissionID == "" {
		return errors.New("submissionID is required")
	}
	if submission.ProblemID == "" {
		return errors.New("problemID is required")
	}
	if submission.UserID == "" {
		return errors.New("userID is required")
	}
	if submission.Language == "" {
		return errors.New("language is required")
	}

	query := `
		INSERT INTO submissions
		(submission_id, problem_id, user_id, language, source_key, source_hash, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		submission.SubmissionID,
		submission.ProblemID,
		submission.UserID,
		submission.Language,
		submission.SourceKey,
		submission.SourceHash,
		string(model.StatusPending),
	)
	return err
}

// SaveResult records the final status of a submission. The row is locked
// while it is checked, and a result is written at most once:
// ErrSubmissionFinalized is returned when one is already stored.
func (r *MySQLSubmissionRepository) SaveResult(ctx context.Context, status model.SubmissionStatus) error {
	if status.SubmissionID == "" {
		return errors.New("submissionID is required")
	}
	finishedAt := time.Now()
	if status.FinishedAt > 0 {
		finishedAt = time.Unix(status.FinishedAt, 0)
	}
	return r.db.Transaction(ctx, func(tx db.Transaction) error {
		var current string
		err := tx.QueryRow(ctx, "SELECT status FROM submissions WHERE submission_id = ? FOR UPDATE", status.SubmissionID).Scan(&current)
		if err != nil {
			if db.IsNoRows(err) {
				return ErrSubmissionNotFound
			}
			return err
		}
		if model.Status(current).Terminal() {
			return ErrSubmissionFinalized
		}
		query := `
			UPDATE submissions
			SET status = ?, test_cases_passed = ?, total_test_cases = ?, points_earned = ?, error_code = ?, finished_at = ?
			WHERE submission_id = ?
		`
		_, err = tx.Exec(
			ctx,
			query,
			string(status.Status),
			status.TestCasesPassed,
			status.TotalTestCases,
			status.PointsEarned,
			status.ErrorCode,
			finishedAt,
			status.SubmissionID,
		)
		return err
	})
}

const submissionStatusColumns = "submission_id, user_id, problem_id, language, status, test_cases_passed, total_test_cases, points_earned, error_code, created_at, finished_at"

// GetStatus reads the stored status of a submission.
func (r *MySQLSubmissionRepository) GetStatus(ctx context.Context, submissionID string) (model.SubmissionStatus, error) {
	if submissionID == "" {
		return model.SubmissionStatus{}, errors.New("submissionID is required")
	}
	query := "SELECT " + submissionStatusColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	row := r.db.QueryRow(ctx, query, submissionID)

	var (
		st         model.SubmissionStatus
		status     string
		createdAt  time.Time
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&st.SubmissionID,
		&st.UserID,
		&st.ProblemID,
		&st.Language,
		&status,
		&st.TestCasesPassed,
		&st.TotalTestCases,
		&st.PointsEarned,
		&st.ErrorCode,
		&createdAt,
		&finishedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return model.SubmissionStatus{}, ErrSubmissionNotFound
		}
		return model.SubmissionStatus{}, err
	}
	st.Status = model.Status(status)
	st.CreatedAt = createdAt.Unix()
	if finishedAt.Valid {
		st.FinishedAt = finishedAt.Time.Unix()
	}
	return st, nil
}
