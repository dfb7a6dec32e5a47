package clients

import (
	"context"
	"net/http"
)

// --- Scoring (/score) ---
type ScoreReq struct {
	Waveform   []float32 `json:"waveform"`
	SampleRate int       `json:"sample_rate"`
}

type ScoreResp struct {
	Scores []float32 `json:"scores"`
}

func (h *HTTP) Score(ctx context.Context, url string, frame []float32, rate int) ([]float32, error) {
	var out ScoreResp
	if err := h.do(ctx, "score", http.MethodPost, url+"/score", ScoreReq{Waveform: frame, SampleRate: rate}, &out); err != nil {
		return nil, err
	}
	return out.Scores, nil
}
