package model

import "time"

// Problem is the judge-facing read model of a problem.
type Problem struct {
	ID          string
	Points      int
	TimeLimitMs int64
}

// TimeLimit returns the per-run time budget.
func (p Problem) TimeLimit() time.Duration {
	return time.Duration(p.TimeLimitMs) * time.Millisecond
}

// TestCase is one input/expected pair of a problem. Hidden cases grade the
// same way but never expose their contents.
type TestCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}
