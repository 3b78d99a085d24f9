package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mheaton/tollgate/internal/adapters/anthropic"
	"github.com/mheaton/tollgate/internal/config"
)

func init() {
	RegisterDefinition(Definition{
		Name:        "anthropic",
		Description: "Anthropic Claude API",
		Builder:     buildAnthropicRoute,
	})
}

func buildAnthropicRoute(_ context.Context, pc config.ProviderConfig) (Route, error) {
	apiKey := strings.TrimSpace(pc.APIKey)
	if apiKey == "" {
		return Route{}, fmt.Errorf("anthropic provider requires api_key")
	}
	adapter, err := anthropic.New(anthropic.Options{
		APIKey:  apiKey,
		BaseURL: strings.TrimSpace(pc.BaseURL),
		Version: strings.TrimSpace(pc.Version),
	})
	if err != nil {
		return Route{}, err
	}
	return Route{
		Chat:       adapter,
		ChatStream: adapter,
		Health:     adapter.HealthCheck,
	}, nil
}
