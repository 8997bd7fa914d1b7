package model

// JudgeMessage represents the Kafka payload for judge tasks.
type JudgeMessage struct {
	SubmissionID string `json:"submission_id"`
	ProblemID    string `json:"problem_id"`
	UserID       string `json:"user_id"`
	Language     string `json:"language"`

	// Source is carried inline when no archive is configured.
	Source     string `json:"source,omitempty"`
	SourceKey  string `json:"source_key,omitempty"`
	SourceHash string `json:"source_hash,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// SubmissionStatus is the status record kept in Redis and MySQL.
type SubmissionStatus struct {
	SubmissionID    string `json:"submission_id"`
	UserID          string `json:"user_id"`
	ProblemID       string `json:"problem_id"`
	Language        string `json:"language"`
	Status          Status `json:"status"`
	TestCasesPassed int    `json:"test_cases_passed"`
	TotalTestCases  int    `json:"total_test_cases"`
	PointsEarned    int    `json:"points_earned"`
	ErrorCode       int    `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	FinishedAt      int64  `json:"finished_at,omitempty"`
}

// StatusEventType labels a status event.
type StatusEventType string

const StatusEventFinal StatusEventType = "final"

// StatusEvent is published on the status topic once a submission is final.
type StatusEvent struct {
	Type      StatusEventType  `json:"type"`
	Status    SubmissionStatus `json:"status"`
	CreatedAt int64            `json:"created_at"`
}
