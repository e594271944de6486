package server

import (
	"bufio"
	"bytes"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberml/ember/internal/artifact"
	"github.com/emberml/ember/internal/config"
	"github.com/emberml/ember/internal/engine"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := artifact.ModelConfig{
		Hidden:     32,
		Layers:     2,
		Heads:      4,
		KVHeads:    4,
		HeadDim:    8,
		FFNDim:     64,
		VocabSize:  48,
		MaxContext: 16,
		RopeBase:   10000.0,
		NormEps:    1e-5,
		Quant:      artifact.SchemeF32,
	}
	m := buildModel(t, cfg)
	eng, err := engine.New(m, nil)
	require.NoError(t, err)
	appCfg := config.Default()
	appCfg.Temperature = 0
	return New(eng, appCfg, nil)
}

func buildModel(t *testing.T, cfg artifact.ModelConfig) *artifact.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	kvDim := cfg.KVDim()
	b := artifact.NewBuilder(cfg)

	add := func(name string, dims []int) {
		t.Helper()
		n := 1
		for _, d := range dims {
			n *= d
		}
		vals := make([]float32, n)
		scale := float32(1.0 / math.Sqrt(float64(dims[len(dims)-1])))
		for i := range vals {
			vals[i] = float32(rng.NormFloat64()) * scale
		}
		if len(dims) == 1 {
			for i := range vals {
				vals[i] = 1
			}
		}
		require.NoError(t, b.Add(name, dims, artifact.SchemeF32, vals))
	}

	add("token_embd.weight", []int{cfg.VocabSize, cfg.Hidden})
	add("output_norm.weight", []int{cfg.Hidden})
	add("output.weight", []int{cfg.VocabSize, cfg.Hidden})
	for l := 0; l < cfg.Layers; l++ {
		p := "blk." + string(rune('0'+l)) + "."
		add(p+"attn_norm.weight", []int{cfg.Hidden})
		add(p+"attn_q.weight", []int{cfg.Hidden, cfg.Hidden})
		add(p+"attn_k.weight", []int{kvDim, cfg.Hidden})
		add(p+"attn_v.weight", []int{kvDim, cfg.Hidden})
		add(p+"attn_output.weight", []int{cfg.Hidden, cfg.Hidden})
		add(p+"ffn_norm.weight", []int{cfg.Hidden})
		add(p+"ffn_gate.weight", []int{cfg.FFNDim, cfg.Hidden})
		add(p+"ffn_up.weight", []int{cfg.FFNDim, cfg.Hidden})
		add(p+"ffn_down.weight", []int{cfg.Hidden, cfg.FFNDim})
	}

	buf, err := b.Bytes()
	require.NoError(t, err)
	m, err := artifact.Parse(buf)
	require.NoError(t, err)
	return m
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Model  struct {
			Layers    int `json:"layers"`
			VocabSize int `json:"vocab_size"`
		} `json:"model"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Model.Layers)
	assert.Equal(t, 48, body.Model.VocabSize)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestGenerateEndpoint(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/generate", map[string]interface{}{
		"prompt":     []int{1, 2, 3},
		"max_tokens": 4,
		"seed":       1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out generateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "done", out.State)
	assert.Equal(t, "max_tokens", out.FinishReason)
	assert.Len(t, out.Tokens, 4)
	assert.Equal(t, 3, out.PromptLen)
}

func TestGenerateDeterministicAcrossRequests(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := func() []int {
		resp := postJSON(t, ts.URL+"/v1/generate", map[string]interface{}{
			"prompt":     []int{4, 5, 6},
			"max_tokens": 5,
			"seed":       42,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out generateResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out.Tokens
	}
	assert.Equal(t, run(), run())
}

func TestGenerateStream(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/generate", map[string]interface{}{
		"prompt":     []int{1, 2},
		"max_tokens": 3,
		"seed":       1,
		"stream":     true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var tokens []int
	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		if ev.Done {
			sawDone = true
			assert.Equal(t, "done", ev.State)
			break
		}
		require.NotNil(t, ev.Token)
		tokens = append(tokens, *ev.Token)
	}
	assert.True(t, sawDone)
	assert.Len(t, tokens, 3)
}

func TestGenerateContextExceeded(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/generate", map[string]interface{}{
		"prompt":         []int{1, 2, 3, 4, 5},
		"max_tokens":     2,
		"context_length": 4,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "context_exceeded", out.Kind)
}

func TestGenerateBadRequest(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for name, body := range map[string]interface{}{
		"empty prompt": map[string]interface{}{"max_tokens": 2},
		"bad policy":   map[string]interface{}{"prompt": []int{1}, "cache_policy": "lru"},
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/generate", body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
