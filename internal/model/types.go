package model

import "time"

type State string

const (
	StateAuthenticating    State = "authenticating"
	StateActive            State = "active"
	StateAwaitingTwoFactor State = "awaiting_2fa"
	StateNeedsRestore      State = "needs_restore"
	StateClosed            State = "closed"
)

// Credentials are the brokerage login pair. Secret is the PIN.
type Credentials struct {
	Identifier string
	Secret     string
}

// SessionRecord holds the durable fields of a session. The live browser
// handle is owned by the store entry and never appears here.
type SessionRecord struct {
	ID                string    `json:"id"`
	Identifier        string    `json:"identifier"`
	SealedSecret      []byte    `json:"sealedSecret"`
	State             State     `json:"state"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
	TwoFactorDeadline time.Time `json:"twoFactorDeadline,omitempty"`
	ReauthRequired    bool      `json:"reauthRequired,omitempty"`
}

type Position struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ShareCount string `json:"shareCount"`
	Value      string `json:"value"`
}

type PortfolioSnapshot struct {
	Balance     string     `json:"balance"`
	Positions   []Position `json:"positions"`
	CashBalance string     `json:"cashBalance"`
	CapturedAt  time.Time  `json:"capturedAt"`
}

type SessionEvent struct {
	SessionID string    `json:"sessionId"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
