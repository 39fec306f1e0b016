// Package handlers registers the built-in job types: report delivery,
// AI insight generation and outbound notifications.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/cache"
	"github.com/biswas2200/mechant-pwr-ai/internal/job"
	"github.com/biswas2200/mechant-pwr-ai/internal/providers"
	"github.com/biswas2200/mechant-pwr-ai/internal/registry"
)

const (
	TypeSendReport  = "send-report"
	TypeAIInsight   = "ai-insight"
	TypeSendMessage = "send-message"
)

// Memoizer is the cache surface used for result memoization.
type Memoizer interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Deps struct {
	Generator providers.TextGenerator
	Messenger providers.Messenger
	Renderer  providers.DocumentRenderer
	Memo      Memoizer
	MemoTTL   time.Duration
	Backoff   registry.Backoff
}

// RegisterAll wires the built-in job types into the registry with their
// execution policies, then freezes it.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	specs := []struct {
		name    string
		handler registry.HandlerFunc
		policy  registry.Policy
	}{
		{
			name:    TypeSendReport,
			handler: sendReport(deps.Renderer, deps.Messenger),
			policy: registry.Policy{
				MaxAttempts:     3,
				Timeout:         2 * time.Minute,
				Backoff:         deps.Backoff,
				IdempotencyMode: registry.IdempotencyCacheMarker,
			},
		},
		{
			name:    TypeAIInsight,
			handler: aiInsight(deps.Generator, deps.Memo, deps.MemoTTL),
			policy: registry.Policy{
				MaxAttempts:     3,
				Timeout:         time.Minute,
				Backoff:         deps.Backoff,
				IdempotencyMode: registry.IdempotencyCacheMarker,
			},
		},
		{
			name:    TypeSendMessage,
			handler: sendMessage(deps.Messenger),
			policy: registry.Policy{
				MaxAttempts:     5,
				Timeout:         30 * time.Second,
				Backoff:         deps.Backoff,
				IdempotencyMode: registry.IdempotencyCacheMarker,
			},
		},
	}
	for _, s := range specs {
		if err := reg.Register(s.name, s.handler, s.policy); err != nil {
			return err
		}
	}
	reg.Freeze()
	return nil
}

type sendReportPayload struct {
	ReportID string         `json:"report_id"`
	Template string         `json:"template"`
	To       string         `json:"to"`
	Data     map[string]any `json:"data"`
}

// sendReport renders a document and delivers it. The render happens before
// the send, and both sit behind the same cancellation check, so an
// abandoned handler never sends a half-built report.
func sendReport(renderer providers.DocumentRenderer, messenger providers.Messenger) registry.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) ([]byte, error) {
		var p sendReportPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode send-report payload: %w", err)
		}
		if p.ReportID == "" {
			return nil, fmt.Errorf("send-report: report_id is required")
		}

		doc, err := renderer.RenderDocument(ctx, p.Template, p.Data)
		if err != nil {
			return nil, fmt.Errorf("render report %s: %w", p.ReportID, err)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		deliveryID, err := messenger.SendMessage(ctx, normalizeNumber(p.To),
			fmt.Sprintf("Your report %s is ready (%d bytes)", p.ReportID, len(doc)))
		if err != nil {
			return nil, fmt.Errorf("deliver report %s: %w", p.ReportID, err)
		}

		return json.Marshal(map[string]any{
			"report_id":   p.ReportID,
			"delivery_id": deliveryID,
			"size":        len(doc),
		})
	}
}

type aiInsightPayload struct {
	Prompt string `json:"prompt"`
}

// aiInsight generates text, memoizing by prompt hash so retries and
// repeated questions do not re-bill the provider.
func aiInsight(gen providers.TextGenerator, memo Memoizer, memoTTL time.Duration) registry.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) ([]byte, error) {
		var p aiInsightPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode ai-insight payload: %w", err)
		}
		if p.Prompt == "" {
			return nil, fmt.Errorf("ai-insight: prompt is required")
		}

		memoKey := cache.MemoKey(job.DeriveKey(TypeAIInsight, []byte(p.Prompt)))
		if cached, err := memo.Get(ctx, memoKey); err == nil {
			return cached, nil
		}

		text, err := gen.GenerateText(ctx, p.Prompt)
		if err != nil {
			return nil, fmt.Errorf("generate insight: %w", err)
		}

		result, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return nil, err
		}
		if err := memo.Set(ctx, memoKey, result, memoTTL); err != nil {
			// Memoization is an optimization; the result stands either way.
			return result, nil
		}
		return result, nil
	}
}

type sendMessagePayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func sendMessage(messenger providers.Messenger) registry.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) ([]byte, error) {
		var p sendMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode send-message payload: %w", err)
		}
		if p.To == "" || p.Body == "" {
			return nil, fmt.Errorf("send-message: to and body are required")
		}
		deliveryID, err := messenger.SendMessage(ctx, normalizeNumber(p.To), p.Body)
		if err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
		return json.Marshal(map[string]string{"delivery_id": deliveryID})
	}
}

// normalizeNumber cleans a destination number: strips a channel prefix,
// trims whitespace and ensures the leading +.
func normalizeNumber(to string) string {
	n := strings.TrimSpace(strings.TrimPrefix(to, "whatsapp:"))
	if n != "" && !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return n
}
