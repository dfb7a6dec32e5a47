// Package clients talks to the sound-event model service over HTTP.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type HTTP struct{ c *http.Client }

// NewHTTP builds a client with a transport sized for many workers talking to
// one model host. timeout bounds a whole request; 0 means no limit.
func NewHTTP(timeout time.Duration) *HTTP {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 3 * time.Minute,
		}).DialContext,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       2 * time.Minute,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTP{
		c: &http.Client{
			Transport: tr,
			Timeout:   timeout,
		},
	}
}

const maxErr = 4096

// do sends in (when non-nil) as JSON and decodes the response into out.
func (h *HTTP) do(ctx context.Context, op, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s marshal: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		lb := io.LimitReader(resp.Body, maxErr)
		b, _ := io.ReadAll(lb)
		return fmt.Errorf("%s %s: %s", op, resp.Status, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", op, err)
	}
	return nil
}
