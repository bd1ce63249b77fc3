package oracle

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// -- Test Setup Helpers --

func validConfig() config.OracleConfig {
	return config.OracleConfig{
		Provider:    "gemini",
		APIKey:      "test-api-key",
		Model:       "test-model",
		VisionModel: "test-vision-model",
		Temperature: 0.1,
		Timeout:     5 * time.Second,
		MaxRetries:  2,
	}
}

// setupGemini points a client at a mock server and captures its logs.
func setupGemini(t *testing.T, handler http.HandlerFunc) (*Gemini, *observer.ObservedLogs) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	core, logs := observer.New(zap.DebugLevel)
	g, err := NewGemini(context.Background(), validConfig(), zap.New(core), WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)
	g.backoffFactory = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return g, logs
}

// reply writes a generateContent response carrying text.
func reply(w http.ResponseWriter, text string) {
	body := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]any{"promptTokenCount": 12, "candidatesTokenCount": 5, "totalTokenCount": 17},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func apiError(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": "mock failure", "status": status}})
}

// -- Initialization --

func TestNewGemini_RequiresKeyAndModel(t *testing.T) {
	cfg := validConfig()
	cfg.APIKey = ""
	_, err := NewGemini(context.Background(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, schemas.ErrConfiguration)

	cfg = validConfig()
	cfg.Model = ""
	_, err = NewGemini(context.Background(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}

// -- Generation --

func TestDecompose_ReturnsRawText(t *testing.T) {
	var body string
	g, logs := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "test-model:generateContent")
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		reply(w, `{"type": "SEARCH", "sub_intents": []}`)
	})

	out, err := g.Decompose(context.Background(), "search for shoes", map[string]string{"site": "shop"})
	require.NoError(t, err)
	assert.Equal(t, `{"type": "SEARCH", "sub_intents": []}`, out)
	assert.Contains(t, body, "Task: search for shoes")
	assert.Contains(t, body, "- site: shop")
	assert.Contains(t, body, "application/json")

	done := logs.FilterMessage("Oracle generation complete.").All()
	require.Len(t, done, 1)
	assert.EqualValues(t, 12, done[0].ContextMap()["prompt_tokens"])
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	g, logs := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			apiError(w, http.StatusServiceUnavailable, "UNAVAILABLE")
			return
		}
		reply(w, "the login button")
	})

	out, err := g.AnalyzeReference(context.Background(), "it", []string{"go to example.com"})
	require.NoError(t, err)
	assert.Equal(t, "the login button", out)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, logs.FilterMessage("Oracle request failed, retrying...").Len())
}

func TestGenerate_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		apiError(w, http.StatusInternalServerError, "INTERNAL")
	})

	_, err := g.Decompose(context.Background(), "click it", nil)
	assert.ErrorIs(t, err, schemas.ErrTransient)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus MaxRetries")
}

func TestGenerate_PermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", schemas.ErrRateLimited},
		{"bad key", http.StatusForbidden, "PERMISSION_DENIED", schemas.ErrConfiguration},
		{"bad request", http.StatusBadRequest, "INVALID_ARGUMENT", schemas.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				apiError(w, tt.code, tt.status)
			})
			_, err := g.Decompose(context.Background(), "click it", nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load(), "not retried")
		})
	}
}

func TestGenerate_BlockedPrompt(t *testing.T) {
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"promptFeedback": {"blockReason": "SAFETY"}}`))
	})
	_, err := g.Decompose(context.Background(), "click it", nil)
	assert.ErrorIs(t, err, schemas.ErrMalformedResponse)
}

func TestGenerate_ContextCancellation(t *testing.T) {
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Decompose(ctx, "click it", nil)
	assert.ErrorIs(t, err, schemas.ErrTimeout)
}

// -- Semantic --

func TestAnalyzeReference(t *testing.T) {
	answer := "unknown"
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) { reply(w, answer) })

	_, err := g.AnalyzeReference(context.Background(), "it", nil)
	assert.ErrorIs(t, err, schemas.ErrValidation)

	_, err = g.AnalyzeReference(context.Background(), "it", []string{"open the menu"})
	assert.ErrorIs(t, err, schemas.ErrMalformedResponse)

	answer = "The settings menu."
	out, err := g.AnalyzeReference(context.Background(), "it", []string{"open the menu"})
	require.NoError(t, err)
	assert.Equal(t, "The settings menu", out)
}

func TestRankCandidates(t *testing.T) {
	cands := []schemas.Candidate{
		{ID: "a", Tag: "button", Text: "Sign in", Attributes: map[string]string{"type": "submit"}},
		{ID: "b", Tag: "a", Text: "Help"},
	}
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), "Sign in")
		reply(w, "```json\n[{\"id\": \"b\", \"score\": 0.2}, {\"id\": \"zz\", \"score\": 1}, {\"id\": \"a\", \"score\": 85, \"reason\": \"label\"}]\n```")
	})

	rankings, err := g.RankCandidates(context.Background(), "login button", cands)
	require.NoError(t, err)
	assert.Equal(t, []schemas.Ranking{
		{CandidateID: "a", Score: 0.85, Reason: "label"},
		{CandidateID: "b", Score: 0.2},
	}, rankings)

	none, err := g.RankCandidates(context.Background(), "login button", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRankPrompt_BoundsCandidates(t *testing.T) {
	var cands []schemas.Candidate
	for i := 0; i < maxRankCandidates+10; i++ {
		cands = append(cands, schemas.Candidate{ID: "c" + strings.Repeat("x", i%3), Text: strings.Repeat("word ", 50)})
	}
	prompt, err := rankPrompt("anything", cands)
	require.NoError(t, err)
	assert.Equal(t, maxRankCandidates, strings.Count(prompt, `"id":`))
	assert.NotContains(t, prompt, strings.Repeat("word ", 20))
}

// -- Vision --

func screenshot(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestGround_ScalesBoxes(t *testing.T) {
	var calledVision atomic.Bool
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calledVision.Store(strings.Contains(r.URL.Path, "test-vision-model"))
		reply(w, `[{"box_2d": [100, 200, 300, 400], "confidence": 0.9, "label": "Buy"}, {"box_2d": [5, 5, 1, 1]}]`)
	})

	regions, err := g.Ground(context.Background(), screenshot(t, 1000, 500), "buy button")
	require.NoError(t, err)
	assert.True(t, calledVision.Load())
	require.Len(t, regions, 1, "inverted boxes are dropped")
	assert.Equal(t, schemas.BoundingBox{X: 200, Y: 50, Width: 200, Height: 100}, regions[0].Bounds)
	assert.Equal(t, 0.9, regions[0].Confidence)
	assert.Equal(t, "Buy", regions[0].Label)
}

func TestGround_RejectsUnreadableScreenshot(t *testing.T) {
	g, _ := setupGemini(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := g.Ground(context.Background(), []byte("not an image"), "x")
	assert.ErrorIs(t, err, schemas.ErrValidation)
	_, err = g.Ground(context.Background(), nil, "x")
	assert.ErrorIs(t, err, schemas.ErrValidation)
}
