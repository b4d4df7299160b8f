package store

import (
	"context"

	"battledecks/pkg/domain"
)

// Store defines persistence operations for decks, slides and workflow runs.
// Conditional transitions report whether a row actually changed so callers
// can tell a fresh write from a replayed one.
type Store interface {
	// decks
	SaveDeck(ctx context.Context, deck domain.Deck) error
	GetDeck(ctx context.Context, id string) (domain.Deck, bool, error)
	CompleteDeck(ctx context.Context, id string) (bool, error)
	AcknowledgeDeck(ctx context.Context, id string) (bool, error)
	DeleteDeck(ctx context.Context, id string) error

	// slides
	SaveSlides(ctx context.Context, slides []domain.Slide) error
	ListSlides(ctx context.Context, deckID string) ([]domain.Slide, error)
	CountSlides(ctx context.Context, deckID string) (int, error)
	NextPendingSlides(ctx context.Context, deckID string, limit int) ([]domain.Slide, error)
	CompleteSlide(ctx context.Context, id string, result domain.SlideResult) (bool, error)
	BlockSlide(ctx context.Context, id string) (bool, error)

	// runs
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, bool, error)
	ListRunsByDeck(ctx context.Context, deckID string) ([]domain.Run, error)
	StartRun(ctx context.Context, id string, maxSteps int) error
	AdvanceRun(ctx context.Context, id string, step int, output domain.RunOutput) error
	FinishRun(ctx context.Context, id string, output domain.RunOutput) error
	SetRunStatus(ctx context.Context, id string, status domain.RunStatus, errMsg string) error
}
