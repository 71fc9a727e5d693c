package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ProviderName identifies one of the LLM backends this pipeline can call.
type ProviderName string

const (
	ProviderNvidiaNIM ProviderName = "nvidia_nim"
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
)

// ProviderConfig holds the per-provider settings ProviderManager needs:
// credentials, model, and rate/backoff knobs. Never logged in full; use
// maskSecret on APIKey before it reaches a log field.
type ProviderConfig struct {
	Name              ProviderName  `json:"name"`
	APIKey            string        `json:"-"`
	BaseURL           string        `json:"base_url"`
	Model             string        `json:"model"`
	Temperature       float64       `json:"temperature"`
	MaxTokens         int           `json:"max_tokens"`
	Timeout           time.Duration `json:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	MaxRetries        int           `json:"max_retries"`
}

// ProviderRequest is the provider-agnostic shape of one completion request.
type ProviderRequest struct {
	SystemMessage string
	Prompt        string
	Model         string
}

// ProviderResponse is the provider-agnostic shape of one completion
// response, normalized regardless of which backend answered.
type ProviderResponse struct {
	Content      string
	Provider     ProviderName
	Model        string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// AllProvidersExhaustedError is returned when every configured provider, in
// failover order, failed to produce a usable response. It aggregates the
// per-provider causes so the caller can inspect why each one was skipped.
type AllProvidersExhaustedError struct {
	Causes *multierror.Error
}

func (e *AllProvidersExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted: %v", e.Causes)
}

func (e *AllProvidersExhaustedError) Unwrap() error { return e.Causes }

// providerClient is the minimal per-provider transport; each concrete
// provider implements its own request/response shape behind this.
type providerClient interface {
	call(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
	name() ProviderName
}

// ProviderManager owns the ordered roster of LLM backends and drives
// failover, per-provider rate limiting, and exponential backoff retry
// across them.
type ProviderManager struct {
	logger    logrus.FieldLogger
	order     []ProviderName
	clients   map[ProviderName]providerClient
	limiters  map[ProviderName]*rate.Limiter
	configs   map[ProviderName]ProviderConfig
	mu        sync.Mutex
	callCount map[ProviderName]int
}

// NewProviderManager builds a ProviderManager from a slice of provider
// configs. The configs' order establishes the failover order (primary
// first).
func NewProviderManager(logger logrus.FieldLogger, configs []ProviderConfig, httpClient *http.Client) (*ProviderManager, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one provider must be configured")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	pm := &ProviderManager{
		logger:    logger,
		clients:   make(map[ProviderName]providerClient),
		limiters:  make(map[ProviderName]*rate.Limiter),
		configs:   make(map[ProviderName]ProviderConfig),
		callCount: make(map[ProviderName]int),
	}

	for _, cfg := range configs {
		client, err := newProviderClient(cfg, httpClient)
		if err != nil {
			return nil, fmt.Errorf("configuring provider %s: %w", cfg.Name, err)
		}
		rps := cfg.RequestsPerSecond
		if rps <= 0 {
			rps = 1
		}
		pm.order = append(pm.order, cfg.Name)
		pm.clients[cfg.Name] = client
		pm.limiters[cfg.Name] = rate.NewLimiter(rate.Limit(rps), 1)
		pm.configs[cfg.Name] = cfg
	}

	return pm, nil
}

func newProviderClient(cfg ProviderConfig, httpClient *http.Client) (providerClient, error) {
	switch cfg.Name {
	case ProviderNvidiaNIM, ProviderOpenAI:
		return &openAICompatibleClient{cfg: cfg, httpClient: httpClient}, nil
	case ProviderAnthropic:
		return &anthropicClient{cfg: cfg, httpClient: httpClient}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}

// Complete drives req through the provider roster in failover order,
// retrying each provider with exponential backoff up to its configured
// MaxRetries before moving to the next. Returns AllProvidersExhaustedError
// if none succeed.
func (pm *ProviderManager) Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	var causes *multierror.Error

	for _, name := range pm.order {
		client := pm.clients[name]
		limiter := pm.limiters[name]
		cfg := pm.configs[name]

		resp, err := pm.callWithRetry(ctx, client, limiter, cfg, req)
		if err == nil {
			pm.mu.Lock()
			pm.callCount[name]++
			pm.mu.Unlock()
			return resp, nil
		}

		pm.logger.WithFields(logrus.Fields{
			"provider": name,
			"error":    err,
		}).Warn("provider failed, trying next in failover order")
		causes = multierror.Append(causes, fmt.Errorf("%s: %w", name, err))
	}

	return nil, &AllProvidersExhaustedError{Causes: causes}
}

func (pm *ProviderManager) callWithRetry(ctx context.Context, client providerClient, limiter *rate.Limiter, cfg ProviderConfig, req *ProviderRequest) (*ProviderResponse, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0
	retryable := backoff.WithMaxRetries(bo, uint64(maxRetries))

	var resp *ProviderResponse
	op := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := client.call(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(retryable, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// CallCounts returns a snapshot of per-provider successful call counts,
// used by the orchestrator to populate RunMetrics.
func (pm *ProviderManager) CallCounts() map[ProviderName]int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[ProviderName]int, len(pm.callCount))
	for k, v := range pm.callCount {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// OpenAI-compatible client (nvidia_nim and openai both speak this dialect)
// ---------------------------------------------------------------------------

type openAICompatibleClient struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

func (c *openAICompatibleClient) name() ProviderName { return c.cfg.Name }

func (c *openAICompatibleClient) call(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	payload := map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": req.SystemMessage},
			{"role": "user", "content": req.Prompt},
		},
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(raw)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &ProviderResponse{
		Content:      parsed.Choices[0].Message.Content,
		Provider:     c.cfg.Name,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// ---------------------------------------------------------------------------
// Anthropic client
// ---------------------------------------------------------------------------

type anthropicClient struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

func (c *anthropicClient) name() ProviderName { return c.cfg.Name }

func (c *anthropicClient) call(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	payload := map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	}
	if req.SystemMessage != "" {
		payload["system"] = req.SystemMessage
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(raw)))
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return nil, fmt.Errorf("no content in response")
	}

	return &ProviderResponse{
		Content:      parsed.Content[0].Text,
		Provider:     c.cfg.Name,
		Model:        model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		FinishReason: parsed.StopReason,
	}, nil
}
