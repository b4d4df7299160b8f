package workflow

import (
	"context"
	"fmt"

	"battledecks/pkg/domain"
	"battledecks/pkg/store"
)

// DefaultBatchSize is the number of slides selected and processed per step.
const DefaultBatchSize = 5

// Selector picks the next batch of pending slides for a deck.
type Selector struct {
	store store.Store
	size  int
}

// NewSelector builds a selector returning at most size slides per batch.
func NewSelector(s store.Store, size int) *Selector {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Selector{store: s, size: size}
}

// Size is the batch bound K.
func (s *Selector) Size() int {
	return s.size
}

// Next returns up to Size pending slides ordered by deck position.
// An empty result means the deck has no work left.
func (s *Selector) Next(ctx context.Context, deckID string) ([]domain.Slide, error) {
	batch, err := s.store.NextPendingSlides(ctx, deckID, s.size)
	if err != nil {
		return nil, fmt.Errorf("select pending slides: %w", err)
	}
	if len(batch) > s.size {
		batch = batch[:s.size]
	}
	return batch, nil
}
