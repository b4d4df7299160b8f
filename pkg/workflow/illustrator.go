package workflow

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"battledecks/internal/util"
	"battledecks/pkg/ai"
	"battledecks/pkg/domain"
	"battledecks/pkg/storage"
)

// Illustrator processes ai decks: it renders an image from each slide's prompt.
// A retry after a crash between the upload and the slide update regenerates
// the image and overwrites the same key.
type Illustrator struct {
	deps Deps
}

func (il *Illustrator) Process(ctx context.Context, slide domain.Slide) (Outcome, error) {
	prompt := strings.TrimSpace(slide.Caption)
	if prompt == "" {
		util.LoggerFromContext(ctx).Warn("slide_prompt_missing", "slide_id", slide.ID)
		return block(ctx, il.deps.Store, slide.ID)
	}

	resp, err := il.deps.Runner.Run(ctx, il.deps.Models.Image, ai.Params{
		Prompt: ai.ImagePrefix + " " + prompt,
	}, il.deps.Gateway)
	if err != nil {
		return "", fmt.Errorf("generate image for slide %s: %w", slide.ID, err)
	}
	defer resp.Close()
	util.LoggerFromContext(ctx).Debug("slide_image_generated", "slide_id", slide.ID, "streamed", resp.Streamed())
	data, err := resp.Bytes()
	if err != nil {
		return "", fmt.Errorf("read image for slide %s: %w", slide.ID, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("generate image for slide %s: %w", slide.ID, ErrEmptyImage)
	}

	key := storage.GeneratedImageKey(slide.ID)
	if err := il.deps.Objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.ContentTypePNG); err != nil {
		return "", fmt.Errorf("store image %s: %w", key, err)
	}
	return complete(ctx, il.deps.Store, slide.ID, domain.SlideResult{
		Caption:  slide.Caption,
		ImageURL: storage.PublicURL(il.deps.StorageDomain, key),
	})
}
