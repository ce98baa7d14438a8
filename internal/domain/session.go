package domain

import "time"

type SessionState int

const (
	StateIdle SessionState = iota
	StateSearching
	StateMatched
	StateConnecting
	StateInCall
	StateEnding
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	case StateConnecting:
		return "connecting"
	case StateInCall:
		return "in_call"
	case StateEnding:
		return "ending"
	}
	return "unknown"
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether the state belongs to a matched pairing.
func (s SessionState) Active() bool {
	return s == StateMatched || s == StateConnecting || s == StateInCall
}

type SessionID string

// Session is the single call attempt of this client.
// It is owned by the call state machine; everything else sees copies.
type Session struct {
	ID           SessionID    `json:"id,omitempty"`
	State        SessionState `json:"state"`
	PartnerID    UserID       `json:"partner_id,omitempty"`
	PartnerLevel string       `json:"partner_level,omitempty"`
	MatchedAt    time.Time    `json:"matched_at,omitempty"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	HasRated     bool         `json:"has_rated"`
}

// Reset returns the session to Idle defaults.
func (s *Session) Reset() {
	*s = Session{State: StateIdle}
}

// QueueFilters is sent on every join. Changing it requires a rejoin.
type QueueFilters struct {
	Level    string `json:"level"`
	Language string `json:"language"`
}

const (
	MinRating = 1
	MaxRating = 5
)

type Rating struct {
	PartnerID UserID    `json:"partner_id"`
	SessionID SessionID `json:"session_id"`
	Value     int       `json:"value"`
}

func (r Rating) Valid() bool {
	return r.PartnerID != "" && r.Value >= MinRating && r.Value <= MaxRating
}
