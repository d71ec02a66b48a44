// Package ai generates summaries and quizzes with an eino chat model.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"readaloud/internal/apperr"
	"readaloud/internal/config"
	"readaloud/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

var ErrNotConfigured = apperr.New(apperr.Configuration, "configuration-invalid", "AI insights are not configured")

type Service struct {
	chatModel model.BaseChatModel
	maxInput  int
}

// NewChatModel builds the chat model for provider. modelName falls back to
// the provider's configured model.
func NewChatModel(ctx context.Context, provider, modelName string, prov config.ProviderConfig) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = prov.Model
	}
	if prov.APIKey == "" {
		return nil, fmt.Errorf("%w: %s api key missing", ErrNotConfigured, provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   modelName,
			APIKey:  prov.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: prov.APIKey})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if prov.BaseURL != "" {
			baseURL = &prov.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// New builds the service from the insight section of cfg.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	prov, ok := cfg.Provider(cfg.Insight.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s not configured", ErrNotConfigured, cfg.Insight.Provider)
	}
	chatModel, err := NewChatModel(ctx, cfg.Insight.Provider, cfg.Insight.Model, prov)
	if err != nil {
		return nil, err
	}
	return NewWithModel(chatModel, cfg.Insight.MaxInputChars), nil
}

func NewWithModel(m model.BaseChatModel, maxInput int) *Service {
	if maxInput <= 0 {
		maxInput = 30000
	}
	return &Service{chatModel: m, maxInput: maxInput}
}

const summaryPrompt = "You are a helpful assistant that summarizes user provided documents. " +
	"Produce a concise summary highlighting the key points and important details. " +
	"Limit the summary to 6 sentences."

// Summarize returns a short free-text summary of text.
func (s *Service) Summarize(ctx context.Context, text string) (string, error) {
	if s == nil || s.chatModel == nil {
		return "", ErrNotConfigured
	}
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(summaryPrompt),
		schema.UserMessage("Document Content:\n" + s.clip(text)),
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", apperr.New(apperr.Validation, "invalid-response", "the AI returned an empty summary")
	}
	return summary, nil
}

const quizPrompt = "You write multiple-choice reading comprehension quizzes. " +
	"Reply with JSON only, no prose and no code fences, shaped as " +
	`{"questions":[{"question":"...","options":["...","...","...","..."],"answer":"..."}]}. ` +
	"Every question has exactly 4 options and the answer is copied verbatim from the options."

type quizPayload struct {
	Questions []models.QuizQuestion `json:"questions"`
}

// GenerateQuiz asks for count questions about text. The result is decoded
// but not validated.
func (s *Service) GenerateQuiz(ctx context.Context, text string, count int) ([]models.QuizQuestion, error) {
	if s == nil || s.chatModel == nil {
		return nil, ErrNotConfigured
	}
	if count <= 0 {
		count = 5
	}
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(quizPrompt),
		schema.UserMessage(fmt.Sprintf("Write %d questions about this document:\n%s", count, s.clip(text))),
	})
	if err != nil {
		return nil, fmt.Errorf("generate quiz: %w", err)
	}
	questions, err := DecodeQuiz(resp.Content)
	if err != nil {
		logrus.WithError(err).Debug("quiz response not decodable")
		return nil, err
	}
	return questions, nil
}

var errNoJSON = errors.New("no JSON object in response")

// DecodeQuiz pulls the quiz object out of a model reply, tolerating code
// fences and surrounding prose.
func DecodeQuiz(raw string) ([]models.QuizQuestion, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, apperr.Wrap(apperr.Validation, "invalid-response", "the AI returned a malformed quiz", errNoJSON)
	}
	var payload quizPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid-response", "the AI returned a malformed quiz", err)
	}
	for i := range payload.Questions {
		q := &payload.Questions[i]
		q.Prompt = strings.TrimSpace(q.Prompt)
		q.Answer = strings.TrimSpace(q.Answer)
		for j := range q.Options {
			q.Options[j] = strings.TrimSpace(q.Options[j])
		}
	}
	return payload.Questions, nil
}

// clip bounds the prompt to the configured number of characters.
func (s *Service) clip(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= s.maxInput {
		return text
	}
	return string(runes[:s.maxInput])
}
