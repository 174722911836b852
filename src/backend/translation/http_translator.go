package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 10 * time.Second
	maxResponseBytes = 4 << 20
)

// HTTPConfig configures an HTTPTranslator.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// HTTPTranslator calls a LibreTranslate compatible /translate endpoint.
type HTTPTranslator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

// NewHTTPTranslator creates a translator for the service at cfg.BaseURL.
func NewHTTPTranslator(cfg HTTPConfig) *HTTPTranslator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &HTTPTranslator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  slog.Default().With("component", "translator"),
	}
}

// Translate sends text to the provider. Every failure, including a timeout
// or an exhausted rate limit wait, is a TranslationUnavailableError.
func (t *HTTPTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return "", Unavailable(from, to, fmt.Errorf("rate limit: %w", err))
	}

	body, err := json.Marshal(translateRequest{Q: text, Source: from, Target: to, Format: "text", APIKey: t.apiKey})
	if err != nil {
		return "", Unavailable(from, to, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", Unavailable(from, to, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", Unavailable(from, to, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Warn("failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", Unavailable(from, to, fmt.Errorf("read response: %w", err))
	}

	var out translateResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, &out)
		return "", Unavailable(from, to, fmt.Errorf("status %d: %s", resp.StatusCode, out.Error))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", Unavailable(from, to, fmt.Errorf("decode response: %w", err))
	}

	t.logger.Debug("translated", "from", from, "to", to, "chars", len(text), "duration", time.Since(start))
	return out.TranslatedText, nil
}
