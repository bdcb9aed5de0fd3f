// Package transcribe turns scratch audio files into text through an
// OpenAI-compatible speech-to-text endpoint.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"intakego/internal/apperr"
	"intakego/internal/logger"
	"intakego/internal/retry"

	openai "github.com/sashabaranov/go-openai"
)

// AudioAPI is the slice of the go-openai client used here.
type AudioAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Settings configure the client.
type Settings struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

func (s *Settings) applyDefaults() {
	if s.Model == "" {
		s.Model = openai.Whisper1
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 10 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Minute
	}
}

// Client calls the transcription provider, retrying connection failures.
type Client struct {
	settings Settings
	logger   logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	once   sync.Once
	api    AudioAPI
	apiErr error
}

// New returns a client whose provider handle is built on first use.
func New(settings Settings, log logger.Logger) *Client {
	settings.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Client{settings: settings, logger: log, sleep: retry.Sleep}
}

// NewWithAPI returns a client backed by the given provider handle.
func NewWithAPI(api AudioAPI, settings Settings, log logger.Logger) *Client {
	c := New(settings, log)
	c.once.Do(func() { c.api = api })
	return c
}

func (c *Client) client() (AudioAPI, error) {
	c.once.Do(func() {
		if strings.TrimSpace(c.settings.APIKey) == "" {
			c.apiErr = errors.New("transcription api key is not configured")
			return
		}
		cfg := openai.DefaultConfig(c.settings.APIKey)
		if c.settings.BaseURL != "" {
			cfg.BaseURL = strings.TrimRight(c.settings.BaseURL, "/")
		}
		c.api = openai.NewClientWithConfig(cfg)
	})
	return c.api, c.apiErr
}

// Transcribe sends the audio at path to the provider and returns plain text.
// Connection-class failures are retried with exponential backoff; anything else
// is returned as soon as it happens. After the last attempt the provider error
// is returned wrapped.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	api, err := c.client()
	if err != nil {
		return "", apperr.Internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts: c.settings.MaxAttempts,
		Backoff:     retry.Exponential(c.settings.BaseDelay, c.settings.MaxDelay),
		Retryable:   apperr.IsConnectionError,
		Sleep:       c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn(ctx, "transcription attempt %d/%d failed, retrying in %v: %v",
				attempt, c.settings.MaxAttempts, delay, err)
		},
	}

	start := time.Now()
	text, err := retry.DoValue(ctx, policy, func(ctx context.Context, attempt int) (string, error) {
		resp, err := api.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.settings.Model,
			FilePath: path,
			Format:   openai.AudioResponseFormatText,
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Text), nil
	})
	if err != nil {
		c.logger.Error(ctx, "transcription failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	c.logger.Info(ctx, "transcription finished in %v (%d chars)", time.Since(start).Round(time.Millisecond), len(text))
	return text, nil
}
