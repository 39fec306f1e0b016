package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func noopHandler(ctx context.Context, payload json.RawMessage) ([]byte, error) {
	return nil, nil
}

func validPolicy() Policy {
	return Policy{MaxAttempts: 3, Timeout: time.Second}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register("send-report", noopHandler, validPolicy()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	r.Freeze()

	handler, policy, err := r.Resolve("send-report")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if handler == nil {
		t.Fatal("resolve returned nil handler")
	}
	if policy.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", policy.MaxAttempts)
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := New()
	r.Freeze()
	_, _, err := r.Resolve("nope")
	if !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("err = %v, want ErrUnknownJobType", err)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := New()
	r.Freeze()
	if err := r.Register("late", noopHandler, validPolicy()); err == nil {
		t.Error("expected error registering after freeze")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	cases := []struct {
		name    string
		jobType string
		handler HandlerFunc
		policy  Policy
	}{
		{"empty type", "", noopHandler, validPolicy()},
		{"nil handler", "x", nil, validPolicy()},
		{"zero attempts", "x", noopHandler, Policy{MaxAttempts: 0, Timeout: time.Second}},
		{"zero timeout", "x", noopHandler, Policy{MaxAttempts: 1}},
	}
	for _, tc := range cases {
		if err := r.Register(tc.jobType, tc.handler, tc.policy); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("x", noopHandler, validPolicy()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("x", noopHandler, validPolicy()); err == nil {
		t.Error("expected error on duplicate registration")
	}
}
