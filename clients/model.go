package clients

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
)

// --- Model metadata (/model) ---
type ModelInfo struct {
	Name          string   `json:"name" msgpack:"name"`
	SampleRate    int      `json:"sample_rate" msgpack:"sample_rate"`
	WindowSeconds float64  `json:"window_seconds" msgpack:"window_seconds"`
	HopSeconds    float64  `json:"hop_seconds" msgpack:"hop_seconds"`
	Classes       []string `json:"classes" msgpack:"classes"`
}

func (m ModelInfo) Validate() error {
	switch {
	case m.SampleRate <= 0:
		return fmt.Errorf("model %q: sample rate %d", m.Name, m.SampleRate)
	case m.WindowSeconds <= 0:
		return fmt.Errorf("model %q: window %gs", m.Name, m.WindowSeconds)
	case m.HopSeconds < 0 || m.HopSeconds >= m.WindowSeconds:
		return fmt.Errorf("model %q: hop %gs outside [0, %gs)", m.Name, m.HopSeconds, m.WindowSeconds)
	case len(m.Classes) == 0:
		return errors.New("model " + m.Name + ": no classes")
	}
	return nil
}

// WindowSamples is the frame length the scorer expects.
func (m ModelInfo) WindowSamples() int {
	return int(math.Floor(m.WindowSeconds * float64(m.SampleRate)))
}

// HopSamples is the overlap between consecutive frames at the model rate.
func (m ModelInfo) HopSamples() int {
	return int(math.Floor(m.HopSeconds * float64(m.SampleRate)))
}

// Model is an opened model: its metadata plus a scoring endpoint.
type Model struct {
	Info ModelInfo
	h    *HTTP
	url  string
}

// OpenModel fetches and validates the model metadata from url.
func (h *HTTP) OpenModel(ctx context.Context, url string) (*Model, error) {
	url = strings.TrimRight(url, "/")
	var info ModelInfo
	if err := h.do(ctx, "model", http.MethodGet, url+"/model", nil, &info); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &Model{Info: info, h: h, url: url}, nil
}

// Score runs one frame through the model.
func (m *Model) Score(ctx context.Context, frame []float32) ([]float32, error) {
	scores, err := m.h.Score(ctx, m.url, frame, m.Info.SampleRate)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(m.Info.Classes) {
		return nil, fmt.Errorf("score: got %d values for %d classes", len(scores), len(m.Info.Classes))
	}
	return scores, nil
}
