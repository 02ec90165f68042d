package work

import (
	"context"
	"fmt"
	"html"
)

// SyntheticGenerator renders a deterministic SVG placeholder instead of
// calling a paid provider. Used in development and tests.
type SyntheticGenerator struct{}

var _ Generator = SyntheticGenerator{}

func (SyntheticGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResult{}, err
	}
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d"><rect width="100%%" height="100%%" fill="#2d2d44"/><text x="12" y="24" fill="#ffffff" font-family="monospace">%s</text></svg>`,
		req.Width, req.Height, html.EscapeString(req.Prompt),
	)
	return GenerateResult{Data: []byte(svg), MIMEType: "image/svg+xml"}, nil
}
