// Package engine contains boundary adapters for the external decision
// engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trading-agent-scheduler/internal/lifecycle"
	"trading-agent-scheduler/internal/secrets"
)

// HTTPInvoker calls a decision-engine service over HTTP. The engine is
// opaque: it receives the prompt context and reports the actions it
// took plus a narrative.
type HTTPInvoker struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPInvoker creates an invoker from a resolved credential.
func NewHTTPInvoker(cred secrets.Credential) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: cred.Endpoint,
		apiKey:   cred.APIKey,
		client:   &http.Client{Timeout: 150 * time.Second},
	}
}

// Invoke implements lifecycle.DecisionEngineInvoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, pc lifecycle.PromptContext) (*lifecycle.Decision, error) {
	body, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decision engine call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decision engine returned status %d", resp.StatusCode)
	}

	var decision lifecycle.Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &decision, nil
}
