package workflow

import (
	"context"
	"fmt"

	"battledecks/pkg/ai"
	"battledecks/pkg/domain"
	"battledecks/pkg/storage"
	"battledecks/pkg/store"
)

// Outcome is what processing did to one slide.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeBlocked means the slide's source data is missing and it was parked.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeSkipped means another execution already moved the slide out of pending.
	OutcomeSkipped Outcome = "skipped"
)

// Processor turns one pending slide into a terminal slide.
// Implementations must be safe to re-run for the same slide.
type Processor interface {
	Process(ctx context.Context, slide domain.Slide) (Outcome, error)
}

// Models names the inference models used by the processors.
type Models struct {
	Caption string
	Image   string
}

// Deps are the collaborators shared by every processor.
type Deps struct {
	Store         store.Store
	Objects       storage.ObjectStore
	Runner        ai.Runner
	Models        Models
	Gateway       ai.Gateway
	StorageDomain string
}

func (d Deps) withDefaults() Deps {
	if d.Models.Caption == "" {
		d.Models.Caption = ai.DefaultCaptionModel
	}
	if d.Models.Image == "" {
		d.Models.Image = ai.DefaultImageModel
	}
	if d.Gateway.ID == "" {
		d.Gateway = ai.DefaultGatewayOptions("")
	}
	return d
}

// NewProcessor returns the processor for a deck type.
func NewProcessor(deckType domain.DeckType, deps Deps) (Processor, error) {
	deps = deps.withDefaults()
	switch deckType {
	case domain.DeckTypeHuman:
		return &Captioner{deps: deps}, nil
	case domain.DeckTypeAI:
		return &Illustrator{deps: deps}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeckType, deckType)
	}
}

func block(ctx context.Context, s store.Store, slideID string) (Outcome, error) {
	applied, err := s.BlockSlide(ctx, slideID)
	if err != nil {
		return "", fmt.Errorf("block slide: %w", err)
	}
	if !applied {
		return OutcomeSkipped, nil
	}
	return OutcomeBlocked, nil
}

func complete(ctx context.Context, s store.Store, slideID string, result domain.SlideResult) (Outcome, error) {
	applied, err := s.CompleteSlide(ctx, slideID, result)
	if err != nil {
		return "", fmt.Errorf("complete slide: %w", err)
	}
	if !applied {
		return OutcomeSkipped, nil
	}
	return OutcomeCompleted, nil
}
