package providers

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
}

// WithBreakers wraps each provider in a circuit breaker so a dead provider
// fails fast into the retry/backoff policy instead of burning the handler
// deadline on every attempt.
func WithBreakers(gen TextGenerator, msg Messenger, doc DocumentRenderer) (TextGenerator, Messenger, DocumentRenderer) {
	return &breakerGenerator{inner: gen, cb: newBreaker("text-generator")},
		&breakerMessenger{inner: msg, cb: newBreaker("messenger")},
		&breakerRenderer{inner: doc, cb: newBreaker("document-renderer")}
}

type breakerGenerator struct {
	inner TextGenerator
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.GenerateText(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

type breakerMessenger struct {
	inner Messenger
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerMessenger) SendMessage(ctx context.Context, to, body string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.SendMessage(ctx, to, body)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

type breakerRenderer struct {
	inner DocumentRenderer
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerRenderer) RenderDocument(ctx context.Context, template string, data map[string]any) ([]byte, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.RenderDocument(ctx, template, data)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
