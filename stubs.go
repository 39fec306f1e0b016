package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stub providers used when no real adapters are configured. They respect
// context cancellation and produce deterministic output, which is all the
// smoke-test deployment needs.

type stubGenerator struct{}

func (stubGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("insight for %q", prompt), nil
}

type stubMessenger struct{}

func (stubMessenger) SendMessage(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("delivery-%d", time.Now().UnixNano()), nil
}

type stubRenderer struct{}

func (stubRenderer) RenderDocument(ctx context.Context, template string, data map[string]any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := json.Marshal(map[string]any{"template": template, "data": data})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
