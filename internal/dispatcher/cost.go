package dispatcher

import (
	"github.com/shopspring/decimal"

	"github.com/mheaton/tollgate/internal/models"
	"github.com/mheaton/tollgate/internal/registry"
)

// Catalog prices are USD per million tokens.
var million = decimal.NewFromInt(1_000_000)

// cost prices a usage report against a candidate's catalog rates.
func cost(c registry.Candidate, usage models.Usage) decimal.Decimal {
	in := c.PriceInput.Mul(decimal.NewFromInt32(usage.PromptTokens))
	out := c.PriceOutput.Mul(decimal.NewFromInt32(usage.CompletionTokens))
	return in.Add(out).Div(million)
}
