// Package ai produces intake summaries and answers follow-up questions through a
// chat model.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"intakego/internal/apperr"
	"intakego/internal/logger"
	"intakego/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Settings select the provider and shape each completion.
type Settings struct {
	Provider        string
	BaseURL         string
	Model           string
	APIKey          string
	Temperature     float32
	IntakeMaxTokens int
	AnswerMaxTokens int
	Timeout         time.Duration
}

func (s *Settings) applyDefaults() {
	if s.Provider == "" {
		s.Provider = "openai"
	}
	s.Provider = strings.ToLower(s.Provider)
	if s.Model == "" && s.Provider == "openai" {
		s.Model = "gpt-4o"
	}
	if s.Temperature == 0 {
		s.Temperature = 0.7
	}
	if s.IntakeMaxTokens <= 0 {
		s.IntakeMaxTokens = 2000
	}
	if s.AnswerMaxTokens <= 0 {
		s.AnswerMaxTokens = 1000
	}
	if s.Timeout <= 0 {
		s.Timeout = 2 * time.Minute
	}
}

var (
	errNoQuestion = apperr.Validation(apperr.CodeNoQuestion, "No question provided", 0)
	errNoContext  = apperr.Validation(apperr.CodeNoContext, "Missing transcript or intake context", 0)
)

// Service wraps a lazily constructed chat model.
type Service struct {
	settings Settings
	logger   logger.Logger

	once     sync.Once
	aiModel  model.BaseChatModel
	modelErr error
}

// NewService returns a service whose chat model is built on first use.
func NewService(settings Settings, log logger.Logger) *Service {
	settings.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Service{settings: settings, logger: log}
}

// NewServiceWithModel returns a service backed by an existing chat model.
func NewServiceWithModel(m model.BaseChatModel, settings Settings, log logger.Logger) *Service {
	s := NewService(settings, log)
	s.once.Do(func() { s.aiModel = m })
	return s
}

func (s *Service) chatModel(ctx context.Context) (model.BaseChatModel, error) {
	s.once.Do(func() {
		s.aiModel, s.modelErr = newChatModel(context.WithoutCancel(ctx), s.settings)
	})
	return s.aiModel, s.modelErr
}

func newChatModel(ctx context.Context, cfg Settings) (model.BaseChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key for provider %s is not configured", cfg.Provider)
	}
	switch cfg.Provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: cfg.IntakeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}

// Summarize turns a transcript into the six-section intake form.
func (s *Service) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", apperr.NoSpeech()
	}
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: intakeSystemPrompt},
		{Role: models.RoleUser, Content: transcript},
	}
	out, err := s.generate(ctx, msgs, s.settings.IntakeMaxTokens)
	if err != nil {
		return "", fmt.Errorf("generate intake: %w", err)
	}
	if out == "" {
		return intakeFallback, nil
	}
	return out, nil
}

// Answer responds to a question using only the transcript and intake as context.
// Each call is independent; no earlier questions are replayed.
func (s *Service) Answer(ctx context.Context, question, transcript, intake string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errNoQuestion
	}
	if strings.TrimSpace(transcript) == "" || strings.TrimSpace(intake) == "" {
		return "", errNoContext
	}
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: questionSystemPrompt},
		{Role: models.RoleUser, Content: questionContext(question, transcript, intake)},
	}
	out, err := s.generate(ctx, msgs, s.settings.AnswerMaxTokens)
	if err != nil {
		return "", fmt.Errorf("answer question: %w", err)
	}
	if out == "" {
		return answerFallback, nil
	}
	return out, nil
}

func (s *Service) generate(ctx context.Context, msgs []models.Message, maxTokens int) (string, error) {
	m, err := s.chatModel(ctx)
	if err != nil {
		return "", apperr.Internal(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := m.Generate(ctx, convertMessages(msgs),
		model.WithTemperature(s.settings.Temperature),
		model.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty model response")
	}
	s.logger.Info(ctx, "%s completion finished in %v", s.settings.Provider, time.Since(start).Round(time.Millisecond))
	return strings.TrimSpace(resp.Content), nil
}

func convertMessages(msgs []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
