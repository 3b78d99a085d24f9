package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mheaton/tollgate/internal/config"

	native "github.com/mheaton/tollgate/internal/adapters/openai"
)

func init() {
	RegisterDefinition(Definition{
		Name:        "openai",
		Description: "OpenAI native API (chat, streaming)",
		Builder:     buildOpenAIRoute,
	})
	RegisterDefinition(Definition{
		Name:        "openai-compatible",
		Description: "OpenAI API-compatible endpoint (custom base URL)",
		Builder:     buildOpenAICompatibleRoute,
	})
}

func buildOpenAIRoute(_ context.Context, pc config.ProviderConfig) (Route, error) {
	apiKey := strings.TrimSpace(pc.APIKey)
	if apiKey == "" {
		return Route{}, fmt.Errorf("openai provider requires api_key")
	}
	adapter, err := native.New(native.Options{
		APIKey:       apiKey,
		BaseURL:      strings.TrimSpace(pc.BaseURL),
		Organization: strings.TrimSpace(pc.Organization),
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

func buildOpenAICompatibleRoute(ctx context.Context, pc config.ProviderConfig) (Route, error) {
	if strings.TrimSpace(pc.BaseURL) == "" {
		return Route{}, fmt.Errorf("openai-compatible provider requires base_url")
	}
	return buildOpenAIRoute(ctx, pc)
}
