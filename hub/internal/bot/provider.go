// Package bot implements the automated responder: replies to messages sent
// to the bot identity, produced by a language model provider.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/murmur-chat/murmur/hub/internal/config"
	"github.com/murmur-chat/murmur/hub/internal/store"
)

// Provider produces a reply to content given the conversation history,
// oldest first.
type Provider interface {
	Reply(ctx context.Context, history []store.Message, content string) (string, error)
}

const temperature = 0.7

// AnthropicProvider answers through the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	botID     int64
}

// NewAnthropicProvider creates an AnthropicProvider from the bot settings.
// Extra options are applied after the configured ones.
func NewAnthropicProvider(cfg config.BotConfig, opts ...option.RequestOption) *AnthropicProvider {
	timeout := 30 * time.Second
	if cfg.Timeout.Duration > 0 {
		timeout = cfg.Timeout.Duration
	}
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(timeout),
	}
	if cfg.APIURL != "" {
		base = append(base, option.WithBaseURL(cfg.APIURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(append(base, opts...)...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		botID:     cfg.UserID,
	}
}

// Reply sends the history as one transcript turn followed by the question,
// and returns the first text block of the answer.
func (p *AnthropicProvider) Reply(ctx context.Context, history []store.Message, content string) (string, error) {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.SenderID == p.botID {
			role = "assistant"
		}
		lines = append(lines, role+": "+m.Content)
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock("CONVERSATION HISTORY:\n"+strings.Join(lines, "\n")),
				anthropic.NewTextBlock("NEW QUESTION:\n"+content),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
