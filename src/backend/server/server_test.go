package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/piibridge/src/backend/config"
	"github.com/hannes/piibridge/src/backend/metrics"
	"github.com/hannes/piibridge/src/backend/pii"
	"github.com/hannes/piibridge/src/backend/pii/detectors"
	"github.com/hannes/piibridge/src/backend/translation"
)

var greekSentences = map[string]string{
	"el>en:Με λένε Γιάννη. Μένω στην Αθήνα.":                    "My name is John. I live in Athens.",
	"en>el:My name is <ANONYMOUS>. I live in <HIDDEN_LOCATION>.": "Με λένε <ANONYMOUS>. Μένω στην <HIDDEN_LOCATION>.",
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	failMT   *bool
	registry *prometheus.Registry
}

func denyList(t *testing.T, name, entityType string, terms ...string) detectors.Detector {
	t.Helper()
	d, err := detectors.NewDenyListDetector(name, entityType, terms, 0.85)
	require.NoError(t, err)
	return d
}

func newTestEnv(t *testing.T, models ...*pii.ModelManager) *testEnv {
	t.Helper()

	r := pii.NewRegistry([]string{"en", "el"})
	for _, lang := range []string{"en", "el"} {
		require.NoError(t, pii.RegisterBuiltins(r, lang))
	}
	require.NoError(t, r.Register(denyList(t, "names_en", detectors.EntityPerson, "John"),
		pii.RecognizerConfig{EntityTypes: []string{detectors.EntityPerson}, Language: "en", Strategy: pii.StrategyModel}))
	require.NoError(t, r.Register(denyList(t, "places_en", detectors.EntityLocation, "Athens"),
		pii.RecognizerConfig{EntityTypes: []string{detectors.EntityLocation}, Language: "en", Strategy: pii.StrategyModel}))

	fail := false
	translator := translation.TranslatorFunc(func(_ context.Context, text, from, to string) (string, error) {
		if fail {
			return "", errors.New("translation service down")
		}
		out, ok := greekSentences[from+">"+to+":"+text]
		if !ok {
			return "", fmt.Errorf("no translation for %q", text)
		}
		return out, nil
	})

	reg := prometheus.NewRegistry()
	p, err := pii.NewPipeline(pii.PipelineConfig{
		Registry:      r,
		Translator:    translator,
		Generators:    pii.NewGeneratorServiceWithSeed(1),
		Metrics:       metrics.New(reg),
		PivotLanguage: "en",
	})
	require.NoError(t, err)

	srv := NewServer(config.DefaultConfig(), p, reg, models...)
	return &testEnv{server: srv, handler: srv.Router(), failMT: &fail, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, []string{"en", "el"}, resp.Languages)
	assert.Equal(t, "en", resp.Pivot)
	assert.Empty(t, resp.Models)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRedact_English(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/redact",
		`{"language":"en","text":"My name is John. I live in Athens.","include_entities":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pii.RedactResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "My name is <ANONYMOUS>. I live in <HIDDEN_LOCATION>.", resp.AnonymizedText)
	assert.False(t, resp.Bridged)
	require.Len(t, resp.Entities, 2)
	assert.Equal(t, "John", resp.Entities[0].Text)
	assert.Equal(t, "names_en", resp.Entities[0].Recognizer)
}

func TestRedact_GreekBridged(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/redact", `{"language":"greek","text":"Με λένε Γιάννη. Μένω στην Αθήνα."}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pii.RedactResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Με λένε <ANONYMOUS>. Μένω στην <HIDDEN_LOCATION>.", resp.AnonymizedText)
	assert.True(t, resp.Bridged)
	assert.Equal(t, "en", resp.PivotLanguage)
}

func TestRedact_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   string
		fail   bool
		status int
	}{
		{"malformed body", `{"language":`, false, http.StatusBadRequest},
		{"unknown field", `{"language":"en","text":"hi","colour":"red"}`, false, http.StatusBadRequest},
		{"unsupported language", `{"language":"de","text":"Hallo"}`, false, http.StatusBadRequest},
		{"unknown mode", `{"language":"en","text":"hi","mode":"scramble"}`, false, http.StatusBadRequest},
		{"translation down", `{"language":"el","text":"Με λένε Γιάννη. Μένω στην Αθήνα."}`, true, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*env.failMT = tt.fail
			rec := env.do(t, http.MethodPost, "/v1/redact", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, rec.Header().Get(requestIDHeader), resp.RequestID)
			assert.NotContains(t, rec.Body.String(), "Γιάννη")
		})
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t)
	const id = "5f0c6f36-6c2e-4d1b-9d6e-0b8f2b0b7a11"

	req := httptest.NewRequest(http.MethodPost, "/v1/redact", strings.NewReader(`{"language":"en","text":"John"}`))
	req.Header.Set(requestIDHeader, id)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, rec.Header().Get(requestIDHeader))

	entries, err := env.server.pipeline.Audit().Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].RequestID)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(requestIDHeader))
}

func TestLegacyAnon(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/anon/en/My%20name%20is%20John/false/false", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var text string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &text))
	assert.Equal(t, "My name is <ANONYMOUS>", text)

	rec = env.do(t, http.MethodGet, "/anon/2/I%20live%20in%20Athens/true/true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withArray legacyAnonResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &withArray))
	assert.True(t, strings.HasPrefix(withArray.AnonymizedText, "I live in "))
	assert.NotContains(t, withArray.AnonymizedText, "<HIDDEN_LOCATION>")
	require.Len(t, withArray.EntityArray, 1)
	assert.Equal(t, detectors.EntityLocation, withArray.EntityArray[0].EntityType)
	assert.Equal(t, 10, withArray.EntityArray[0].Start)
	assert.Equal(t, 16, withArray.EntityArray[0].End)

	rec = env.do(t, http.MethodGet, "/anon/en/hello/maybe/false", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAudit(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/redact", `{"language":"en","text":"Ping John"}`)
	env.do(t, http.MethodPost, "/v1/redact", `{"language":"xx","text":"?"}`)

	rec := env.do(t, http.MethodGet, "/api/audit?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []pii.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "unsupported_language", entries[0].Outcome)
	assert.Equal(t, "ok", entries[1].Outcome)
	assert.Equal(t, map[string]int{detectors.EntityPerson: 1}, entries[1].EntityCounts)
	assert.NotContains(t, rec.Body.String(), "John")

	rec = env.do(t, http.MethodGet, "/api/audit?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/redact", `{"language":"en","text":"John"}`)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "piibridge_redact_requests_total")
	assert.Contains(t, rec.Body.String(), `outcome="ok"`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/redact", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{"model_quantized.onnx", "tokenizer.json", "label_mappings.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o600))
	}
	return dir
}

func TestModelReload(t *testing.T) {
	factory := func(pii.ModelConfig) (detectors.Detector, error) {
		return detectors.NewDenyListDetector("ner_el", detectors.EntityPerson, []string{"Γιάννη"}, 0.85)
	}
	mm := pii.NewModelManager("ner_el", modelDir(t), factory)
	env := newTestEnv(t, mm)

	rec := env.do(t, http.MethodGet, "/health", "")
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Len(t, health.Models, 1)
	assert.True(t, health.Models[0].Healthy)

	next := modelDir(t)
	rec = env.do(t, http.MethodPost, "/api/model/reload", fmt.Sprintf(`{"directory":%q}`, next))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, next, mm.GetInfo().Directory)

	rec = env.do(t, http.MethodPost, "/api/model/reload", `{"name":"other","directory":"/tmp"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/model/reload", fmt.Sprintf(`{"directory":%q}`, t.TempDir()))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&pii.UnsupportedLanguageError{Language: "de"}, http.StatusBadRequest},
		{&pii.UnknownModeError{Mode: "x"}, http.StatusBadRequest},
		{&pii.MissingOperatorError{EntityType: "X"}, http.StatusUnprocessableEntity},
		{translation.Unavailable("el", "en", errors.New("timeout")), http.StatusBadGateway},
		{&pii.AnalysisFailedError{Language: "en", Errs: []error{errors.New("down")}}, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", &pii.MissingOperatorError{EntityType: "X"}), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestParseFlag(t *testing.T) {
	for _, v := range []string{"true", "True", "1", "yes", "on"} {
		got, err := parseFlag(v)
		require.NoError(t, err, v)
		assert.True(t, got, v)
	}
	for _, v := range []string{"false", "0", "no", "off"} {
		got, err := parseFlag(v)
		require.NoError(t, err, v)
		assert.False(t, got, v)
	}
	_, err := parseFlag("maybe")
	assert.Error(t, err)
}
