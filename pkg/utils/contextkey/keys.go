package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	UserID       key = "user_id"
	SubmissionID key = "submission_id"
)

// All lists the keys the logger lifts into structured fields, in output order.
var All = []key{TraceID, RequestID, UserID, SubmissionID}

// Name returns the field name used for the key in logs and gin contexts.
func (k key) Name() string {
	return string(k)
}
