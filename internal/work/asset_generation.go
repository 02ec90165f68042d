// Package work contains the built-in work handlers that plug into the job
// engine's handler registry.
package work

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"jobengine/internal/jobs"
	"jobengine/internal/storage"
)

// TypeAssetGeneration is the job type served by AssetGenerationHandler.
const TypeAssetGeneration = "asset_generation"

// GenerateRequest is one asset generation call against a provider.
type GenerateRequest struct {
	Provider string
	Model    string
	Prompt   string
	Width    int
	Height   int
}

// GenerateResult is the produced asset.
type GenerateResult struct {
	Data     []byte
	MIMEType string
}

// Generator produces one asset per call. Implementations wrap a concrete
// image provider; SyntheticGenerator serves development and tests.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// assetItemInput is the per-item payload for asset generation jobs.
type assetItemInput struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// assetItemOutput is written back as the item's result.
type assetItemOutput struct {
	AssetKey  string `json:"assetKey"`
	MIMEType  string `json:"mimeType"`
	SizeBytes int    `json:"sizeBytes"`
}

// AssetGenerationHandler generates one asset per item and persists it to the
// configured store, keyed by job and item index.
type AssetGenerationHandler struct {
	generator Generator
	files     *storage.FileStore
	logger    zerolog.Logger
}

var _ jobs.Handler = (*AssetGenerationHandler)(nil)

// NewAssetGenerationHandler wires a generator and an asset store into a
// registrable handler.
func NewAssetGenerationHandler(generator Generator, files *storage.FileStore, logger zerolog.Logger) *AssetGenerationHandler {
	return &AssetGenerationHandler{generator: generator, files: files, logger: logger}
}

func (h *AssetGenerationHandler) Type() string { return TypeAssetGeneration }

func (h *AssetGenerationHandler) ProcessItem(ctx context.Context, item jobs.ItemContext) (json.RawMessage, error) {
	var in assetItemInput
	if err := json.Unmarshal(item.ItemInput, &in); err != nil {
		return nil, fmt.Errorf("malformed item input: %w", err)
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("item %d: prompt is required", item.Index)
	}
	if in.Width <= 0 {
		in.Width = 1024
	}
	if in.Height <= 0 {
		in.Height = 1024
	}

	res, err := h.generator.Generate(ctx, GenerateRequest{
		Provider: item.Provider,
		Model:    item.Model,
		Prompt:   in.Prompt,
		Width:    in.Width,
		Height:   in.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("generate asset: %w", err)
	}

	key := fmt.Sprintf("jobs/%s/%d%s", item.JobID, item.Index, extensionFor(res.MIMEType))
	storedKey, err := h.files.Write(ctx, key, res.Data)
	if err != nil {
		return nil, fmt.Errorf("store asset: %w", err)
	}

	h.logger.Debug().
		Str("job_id", item.JobID).
		Int("item", item.Index).
		Str("asset_key", storedKey).
		Msg("asset generated")

	return json.Marshal(assetItemOutput{
		AssetKey:  storedKey,
		MIMEType:  res.MIMEType,
		SizeBytes: len(res.Data),
	})
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".bin"
	}
}
