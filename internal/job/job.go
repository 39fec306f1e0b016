package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Priority orders jobs across queue classes. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition out of s is permitted.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDeadLettered || s == StateCancelled
}

type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Priority       Priority        `json:"priority"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeriveKey computes a deterministic idempotency key for jobs submitted
// without one. Two submissions of the same type and payload collapse to the
// same key.
func DeriveKey(jobType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
