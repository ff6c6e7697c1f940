package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"medchat/internal/config"
)

const defaultSystemPrompt = "You are MedBot, an AI-powered healthcare assistant. " +
	"Answer health questions clearly, suggest when to see a doctor, and never claim to replace professional care."

type ProviderOptions struct {
	Provider     string
	Model        string
	SystemPrompt string
	Config       config.ProviderConfig
	Timeout      time.Duration
}

// ProviderGateway answers directly through an LLM provider instead of the
// remote chat endpoint. Each message is sent without prior context.
type ProviderGateway struct {
	chatModel    model.BaseChatModel
	systemPrompt string
	timeout      time.Duration
}

func NewProviderGateway(ctx context.Context, opts ProviderOptions) (*ProviderGateway, error) {
	modelName := opts.Model
	if modelName == "" {
		modelName = opts.Config.Model
	}
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch opts.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: opts.Config.BaseURL,
			Model:   modelName,
			APIKey:  opts.Config.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: opts.Config.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if opts.Config.BaseURL != "" {
			baseURL := opts.Config.BaseURL
			baseURLPtr = &baseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    opts.Config.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", opts.Provider, err)
	}

	prompt := strings.TrimSpace(opts.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return newProviderGateway(chatModel, prompt, opts.Timeout), nil
}

func newProviderGateway(chatModel model.BaseChatModel, systemPrompt string, timeout time.Duration) *ProviderGateway {
	return &ProviderGateway{chatModel: chatModel, systemPrompt: systemPrompt, timeout: timeout}
}

// Send streams the completion and returns the concatenated content.
func (g *ProviderGateway) Send(ctx context.Context, text string) (Reply, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	messages := []*schema.Message{
		schema.SystemMessage(g.systemPrompt),
		schema.UserMessage(text),
	}
	stream, err := g.chatModel.Stream(ctx, messages)
	if err != nil {
		return Reply{}, connectionFailure(err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Reply{}, connectionFailure(err)
		}
		if chunk != nil {
			sb.WriteString(chunk.Content)
		}
	}
	return Reply{Text: sb.String()}, nil
}
