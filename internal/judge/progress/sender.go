// Package progress pushes grading events to the submitting user over a
// persistent per-user connection.
package progress

// Sender delivers an event to a user. Send never blocks and never fails; a
// user without a live connection is skipped.
type Sender interface {
	Send(userID, event string, payload any)
}

// Envelope is the wire frame of one event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NopSender discards every event.
type NopSender struct{}

func (NopSender) Send(string, string, any) {}
