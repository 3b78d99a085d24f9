package models

// Model is one row of the public models listing, shaped like the OpenAI
// models object with catalog metadata alongside. Providers lists every
// upstream the alias can route to, in fallback order.
type Model struct {
	ID              string   `json:"id"`
	Object          string   `json:"object"`
	OwnedBy         string   `json:"owned_by"`
	Providers       []string `json:"providers"`
	ContextWindow   int32    `json:"context_window,omitempty"`
	MaxOutputTokens int32    `json:"max_output_tokens,omitempty"`
	Modalities      []string `json:"modalities,omitempty"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
