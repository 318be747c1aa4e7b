// Package agents implements fire-and-forget dispatch of workflow agents.
//
// Agents are independently deployed workers. The invoker never waits for an
// agent's work product: agents persist their insight and report back through
// the coordinator's completion endpoint.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/domain"
)

const (
	defaultRetries  = 2
	baseRetryDelay  = 500 * time.Millisecond
	maxRetryDelay   = 10 * time.Second
	requestTimeout  = 15 * time.Second
	dispatchTimeout = 90 * time.Second
)

// RiskDecision is the risk manager's verdict, forwarded to the portfolio phase.
type RiskDecision struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Assessment string  `json:"assessment,omitempty"`
}

// Payload is the request body sent to every agent.
type Payload struct {
	AnalysisID          string                 `json:"analysisId"`
	Ticker              string                 `json:"ticker"`
	UserID              string                 `json:"userId"`
	Phase               domain.Phase           `json:"phase"`
	Agent               string                 `json:"agent"`
	DebateRound         int                    `json:"debateRound,omitempty"`
	APISettings         map[string]interface{} `json:"apiSettings,omitempty"`
	AnalysisContext     map[string]interface{} `json:"analysisContext,omitempty"`
	RiskManagerDecision *RiskDecision          `json:"riskManagerDecision,omitempty"`
	Watchlist           []string               `json:"watchlist,omitempty"`
	RebalanceRequestID  string                 `json:"rebalanceRequestId,omitempty"`
}

// Invoker dispatches agents over HTTP with caller-side retry.
type Invoker struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	retries      int
	log          zerolog.Logger
}

// NewInvoker creates a new agent invoker.
func NewInvoker(baseURL, serviceToken string, log zerolog.Logger) *Invoker {
	return &Invoker{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: requestTimeout},
		retries:      defaultRetries,
		log:          log.With().Str("component", "agent_invoker").Logger(),
	}
}

// Invoke dispatches the agent asynchronously and returns immediately.
// Delivery failures after all retries are logged; the stale-analysis sweeper
// is the recovery path for lost dispatches.
func (inv *Invoker) Invoke(functionName string, payload Payload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		if err := inv.deliver(ctx, functionName, payload); err != nil {
			inv.log.Error().
				Err(err).
				Str("agent", functionName).
				Str("analysis_id", payload.AnalysisID).
				Msg("Agent dispatch failed after retries")
		}
	}()
}

// deliver posts the payload with bounded retries and exponential backoff.
func (inv *Invoker) deliver(ctx context.Context, functionName string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal agent payload: %w", err)
	}

	url := inv.baseURL + "/" + functionName

	var lastErr error
	for attempt := 0; attempt <= inv.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		if err := inv.post(ctx, url, body); err != nil {
			lastErr = err
			inv.log.Warn().
				Err(err).
				Str("agent", functionName).
				Int("attempt", attempt+1).
				Msg("Agent dispatch attempt failed")
			continue
		}

		inv.log.Debug().
			Str("agent", functionName).
			Str("analysis_id", payload.AnalysisID).
			Str("phase", string(payload.Phase)).
			Msg("Agent dispatched")
		return nil
	}

	return lastErr
}

func (inv *Invoker) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+inv.serviceToken)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	// 2xx means the agent accepted the dispatch. Anything else is retryable.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}

// backoffDelay returns the exponential backoff with jitter for an attempt.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Up to 25% jitter to avoid synchronized retries
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
