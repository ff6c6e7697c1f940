// Package gateway delivers a single user message to the assistant backend
// and returns its textual reply.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medchat/internal/config"
	"medchat/internal/models"
)

// ErrConnectionFailure covers transport errors, non-2xx statuses and
// unparseable bodies. Callers match it with errors.Is.
var ErrConnectionFailure = errors.New("assistant connection failure")

type Reply = models.Reply

// Gateway sends one message and waits for one reply.
type Gateway interface {
	Send(ctx context.Context, text string) (Reply, error)
}

func connectionFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
}

// New builds the gateway selected by cfg.Gateway.Mode.
func New(ctx context.Context, cfg *config.Config) (Gateway, error) {
	timeout := cfg.GatewayTimeout()
	switch strings.ToLower(cfg.Gateway.Mode) {
	case "http":
		return NewHTTPGateway(cfg.Gateway.Endpoint, timeout), nil
	case "provider":
		provCfg, ok := cfg.Providers[cfg.Gateway.Provider]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", cfg.Gateway.Provider)
		}
		return NewProviderGateway(ctx, ProviderOptions{
			Provider:     cfg.Gateway.Provider,
			Model:        cfg.Gateway.Model,
			SystemPrompt: cfg.Gateway.SystemPrompt,
			Config:       provCfg,
			Timeout:      timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported gateway mode: %s", cfg.Gateway.Mode)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
