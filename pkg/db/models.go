package db

import "time"

// MonitorRule is a user-defined trigger/action rule row.
// trigger_config and action_config hold the JSON payload for the
// rule's trigger_type and action_type.
type MonitorRule struct {
	ID              string
	UserID          string
	Name            string
	Enabled         bool
	TriggerType     string
	TriggerConfig   string
	ActionType      string
	ActionConfig    string
	InstrumentToken string // empty for time/order_status rules
	FireCount       int
	MaxFires        int
	ExpiresAt       *time.Time
	FiredAt         *time.Time
	SourceOrderID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RuleFire records a single firing of a rule and the order it produced.
type RuleFire struct {
	ID      string
	RuleID  string
	OrderID string
	Price   float64
	FiredAt time.Time
}

// UserToken stores an encrypted vendor access token per user.
type UserToken struct {
	UserID         string
	TokenEncrypted string
	KeyVersion     int
	ExpiresAt      *time.Time
	UpdatedAt      time.Time
}

// UserCredentials stores encrypted auto-login material per user.
type UserCredentials struct {
	UserID              string
	Mobile              string
	PinEncrypted        string
	TOTPSecretEncrypted string
	KeyVersion          int
	UpdatedAt           time.Time
}
