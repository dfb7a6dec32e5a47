package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelServer(t *testing.T, info ModelInfo) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /model", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("POST /score", func(w http.ResponseWriter, r *http.Request) {
		var req ScoreReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.SampleRate != info.SampleRate {
			http.Error(w, "bad rate", http.StatusUnprocessableEntity)
			return
		}
		out := make([]float32, len(info.Classes))
		for _, s := range req.Waveform {
			out[0] = max(out[0], s)
		}
		_ = json.NewEncoder(w).Encode(ScoreResp{Scores: out})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

var testInfo = ModelInfo{
	Name:          "yamnet",
	SampleRate:    16000,
	WindowSeconds: 1,
	HopSeconds:    0.5,
	Classes:       []string{"Speech", "Dog", "Bird"},
}

func TestOpenModelAndScore(t *testing.T) {
	srv := modelServer(t, testInfo)
	h := NewHTTP(5 * time.Second)

	m, err := h.OpenModel(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, testInfo, m.Info)
	assert.Equal(t, 16000, m.Info.WindowSamples())
	assert.Equal(t, 8000, m.Info.HopSamples())

	scores, err := m.Score(context.Background(), []float32{0.1, 0.75, -0.2})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.75, 0, 0}, scores)
}

func TestOpenModelRejectsBadMetadata(t *testing.T) {
	bad := testInfo
	bad.HopSeconds = bad.WindowSeconds
	srv := modelServer(t, bad)

	_, err := NewHTTP(time.Second).OpenModel(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "hop")
}

func TestErrorBodyIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(time.Second).OpenModel(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestScoreLengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ScoreResp{Scores: []float32{0.5}})
	}))
	defer srv.Close()

	m := &Model{Info: testInfo, h: NewHTTP(time.Second), url: srv.URL}
	_, err := m.Score(context.Background(), []float32{0})
	assert.ErrorContains(t, err, "3 classes")
}

func TestDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := NewHTTP(time.Second).Score(context.Background(), srv.URL, nil, 1)
	assert.ErrorContains(t, err, "score decode")
}
