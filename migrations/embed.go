// Package migrations compiles the goose SQL migrations into the binary so a
// deployed gateway does not depend on the source tree being present.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
