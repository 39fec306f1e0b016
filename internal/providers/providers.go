// Package providers defines the outbound capability interfaces the engine
// orchestrates. Concrete adapters (AI completion API, SMS/WhatsApp gateway,
// document renderer) live outside this module; the engine only depends on
// these contracts being fallible, timeout-bounded calls.
package providers

import "context"

// TextGenerator produces a completion for a prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Messenger delivers an outbound message and returns the provider's
// delivery ID.
type Messenger interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// DocumentRenderer turns a template and data into document bytes.
type DocumentRenderer interface {
	RenderDocument(ctx context.Context, template string, data map[string]any) ([]byte, error)
}
