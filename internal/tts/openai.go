package tts

import (
	"context"
	"fmt"
	"io"

	"readaloud/internal/config"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAISynthesizer renders speech with the OpenAI audio API.
type OpenAISynthesizer struct {
	client *goopenai.Client
	model  goopenai.SpeechModel
	voice  goopenai.SpeechVoice
}

func NewOpenAISynthesizer(prov config.ProviderConfig, cfg config.TTSConfig) (*OpenAISynthesizer, error) {
	if prov.APIKey == "" {
		return nil, fmt.Errorf("tts provider %s: api key missing", cfg.Provider)
	}
	clientCfg := goopenai.DefaultConfig(prov.APIKey)
	if prov.BaseURL != "" {
		clientCfg.BaseURL = prov.BaseURL
	}
	model := goopenai.SpeechModel(cfg.Model)
	if model == "" {
		model = goopenai.TTSModel1
	}
	voice := goopenai.SpeechVoice(cfg.Voice)
	if voice == "" {
		voice = goopenai.VoiceAlloy
	}
	return &OpenAISynthesizer{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
		voice:  voice,
	}, nil
}

func (o *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := o.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
