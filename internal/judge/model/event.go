package model

// ProgressEvent is the payload pushed to the submitter. The terminal event of
// a run is its verdict.
type ProgressEvent struct {
	Status          Status `json:"status"`
	TestCasesPassed int    `json:"testCasesPassed"`
	TotalTestCases  int    `json:"totalTestCases"`
	PointsEarned    *int   `json:"pointsEarned,omitempty"`

	// Diagnostics of the failing test case. Empty for hidden test cases.
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// Verdict is the terminal ProgressEvent of a run.
type Verdict = ProgressEvent

// ResultEvent is the scored summary pushed once the coordinator finishes.
type ResultEvent struct {
	Status          Status `json:"status"`
	TestCasesPassed int    `json:"testCasesPassed"`
	TotalTestCases  int    `json:"totalTestCases"`
	PointsEarned    int    `json:"pointsEarned"`
}

// StripDiagnostics clears input, output and expected.
func (e ProgressEvent) StripDiagnostics() ProgressEvent {
	e.Input, e.Output, e.Expected = "", "", ""
	return e
}
