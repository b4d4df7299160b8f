package workflow

import (
	"context"
	"fmt"
	"strings"

	"battledecks/internal/util"
	"battledecks/pkg/ai"
	"battledecks/pkg/domain"
	"battledecks/pkg/storage"
)

// Captioner processes human decks: it describes each uploaded image.
type Captioner struct {
	deps Deps
}

func (c *Captioner) Process(ctx context.Context, slide domain.Slide) (Outcome, error) {
	logger := util.LoggerFromContext(ctx)
	key := storage.KeyFromReference(slide.ImageURL)
	if key == "" {
		logger.Warn("slide_image_missing", "slide_id", slide.ID, "reason", "no image reference")
		return block(ctx, c.deps.Store, slide.ID)
	}

	rc, ok, err := c.deps.Objects.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load image %s: %w", key, err)
	}
	if !ok {
		logger.Warn("slide_image_missing", "slide_id", slide.ID, "key", key)
		return block(ctx, c.deps.Store, slide.ID)
	}
	data, err := util.Drain(rc, 0)
	_ = rc.Close()
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", key, err)
	}

	resp, err := c.deps.Runner.Run(ctx, c.deps.Models.Caption, ai.Params{
		Prompt: ai.CaptionPrompt,
		Image:  data,
	}, c.deps.Gateway)
	if err != nil {
		return "", fmt.Errorf("caption slide %s: %w", slide.ID, err)
	}
	defer resp.Close()
	caption, err := resp.Text()
	if err != nil {
		return "", fmt.Errorf("read caption for slide %s: %w", slide.ID, err)
	}
	return complete(ctx, c.deps.Store, slide.ID, domain.SlideResult{Caption: strings.TrimSpace(caption)})
}
