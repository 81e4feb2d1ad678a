// Package tts synthesizes speech with the Cartesia HTTP API.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.cartesia.ai"
	DefaultModel   = "sonic-2"
	DefaultVoice   = "694f9389-aac1-45b6-b726-9d9369183238"
	apiVersion     = "2024-06-10"

	// ContentType is the stored type of synthesized audio: headerless
	// 8 kHz A-law, as telephone channels play it.
	ContentType = "audio/x-alaw-basic"
)

var ErrNoAPIKey = errors.New("tts api key not configured")

// APIError is a non-2xx answer from the synthesis service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tts: status %d: %s", e.StatusCode, e.Body)
}

// Client implements call.Synthesizer.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	Voice      string
	Language   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(apiKey string) *Client {
	return &Client{
		BaseURL:  DefaultBaseURL,
		APIKey:   apiKey,
		Model:    DefaultModel,
		Voice:    DefaultVoice,
		Language: "en",
		Timeout:  30 * time.Second,
	}
}

type voice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type request struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voice        `json:"voice"`
	Language     string       `json:"language"`
	OutputFormat outputFormat `json:"output_format"`
}

// Synthesize returns raw A-law audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if c.APIKey == "" {
		return nil, "", ErrNoAPIKey
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	body := request{
		ModelID:    c.Model,
		Transcript: text,
		Voice:      voice{Mode: "id", ID: c.Voice},
		Language:   c.Language,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_alaw",
			SampleRate: 8000,
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/tts/bytes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("Cartesia-Version", apiVersion)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tts read: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", errors.New("tts: empty audio")
	}
	return audio, ContentType, nil
}
