package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteNERDetector calls an NER sidecar over HTTP. The sidecar receives
// {"text", "language"} on POST /classify and answers with
// {"spans": [{"start", "end", "label", "score"}]} where start/end are
// code point offsets, as produced by Python NLP libraries.
type RemoteNERDetector struct {
	name         string
	url          string
	client       *http.Client
	entityLabels map[string]string
}

type nerRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type nerResponse struct {
	Spans []nerSpan `json:"spans"`
}

type nerSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

// NewRemoteNERDetector creates a detector pointing at baseURL
// (e.g. "http://ner:8001"). timeout bounds a single call.
func NewRemoteNERDetector(name, baseURL string, timeout time.Duration, entityLabels map[string]string) *RemoteNERDetector {
	if entityLabels == nil {
		entityLabels = DefaultModelLabels
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteNERDetector{
		name:         name,
		url:          strings.TrimRight(baseURL, "/") + "/classify",
		client:       &http.Client{Timeout: timeout},
		entityLabels: entityLabels,
	}
}

// GetName returns the name of this detector
func (r *RemoteNERDetector) GetName() string {
	return r.name
}

// Detect sends the text to the sidecar. Transport failures and non-200
// answers are returned as errors so the caller can isolate this detector.
func (r *RemoteNERDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	body, err := json.Marshal(nerRequest{Text: input.Text, Language: input.Language})
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("ner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("ner: sidecar unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return DetectorOutput{}, fmt.Errorf("ner: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result nerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DetectorOutput{}, fmt.Errorf("ner: decode: %w", err)
	}

	byteOffsets := runeByteOffsets(input.Text)
	spans := make([]Span, 0, len(result.Spans))
	for _, s := range result.Spans {
		if s.Start < 0 || s.End >= len(byteOffsets) || s.Start >= s.End {
			continue
		}
		label := strings.TrimPrefix(strings.TrimPrefix(s.Label, "B-"), "I-")
		entityType, ok := r.entityLabels[strings.ToUpper(label)]
		if !ok {
			continue
		}
		sp := Span{
			EntityType: entityType,
			Start:      byteOffsets[s.Start],
			End:        byteOffsets[s.End],
			Score:      0.85,
			Recognizer: r.name,
		}
		if s.Score != nil {
			sp.Score = *s.Score
		}
		if !sp.Valid(len(input.Text)) {
			continue
		}
		sp.Text = input.Text[sp.Start:sp.End]
		spans = append(spans, sp)
	}

	return DetectorOutput{Text: input.Text, Spans: spans}, nil
}

// runeByteOffsets maps code point index i to its byte offset; the final
// element is len(text).
func runeByteOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

// Close implements the Detector interface
func (r *RemoteNERDetector) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
