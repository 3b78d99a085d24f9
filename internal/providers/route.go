package providers

import "context"

// Route is a ready-to-call upstream client for one provider slug. The model
// to invoke travels on the request, so a single route serves every catalog
// entry and passthrough name pointing at its provider.
type Route struct {
	Provider   string
	Chat       ChatCompletions
	ChatStream ChatStreaming
	Health     func(ctx context.Context) error
}
