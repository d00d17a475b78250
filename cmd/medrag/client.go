package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/medrag/internal/models"
)

// apiClient talks to a running medrag server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) postJSON(path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return decodeResponse(resp, out)
}

func (c *apiClient) getJSON(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return decodeResponse(resp, out)
}

// decodeResponse decodes a 2xx body into out. Client errors are mapped back to
// the model sentinels so the CLI exit code matches direct mode.
func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := serverMessage(b)
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return models.Invalidf("%s", msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", models.ErrNotFound, msg)
		default:
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// serverMessage extracts the "error" field of an error body, falling back to
// the raw text.
func serverMessage(b []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}
