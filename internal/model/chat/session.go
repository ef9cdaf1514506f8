package chat

import "time"

// Session binds one live connection to an identity and its current room.
type Session struct {
	Handle         string    `json:"handle"`
	Identity       string    `json:"identity"`
	Room           string    `json:"room"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	// HeldBy names the interceptor holding exclusive control of the input.
	HeldBy    string    `json:"heldBy,omitempty"`
	HoldUntil time.Time `json:"holdUntil,omitempty"`
}

// Held reports whether an interceptor still owns the session input at now.
func (s Session) Held(now time.Time) bool {
	return s.HeldBy != "" && now.Before(s.HoldUntil)
}
