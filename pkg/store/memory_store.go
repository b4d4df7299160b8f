package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"battledecks/pkg/domain"
)

// MemoryStore keeps decks, slides and runs in-process. It backs local
// development and tests; the conditional-update semantics match GormStore.
type MemoryStore struct {
	mu     sync.RWMutex
	decks  map[string]domain.Deck
	slides map[string]domain.Slide
	runs   map[string]domain.Run
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decks:  make(map[string]domain.Deck),
		slides: make(map[string]domain.Slide),
		runs:   make(map[string]domain.Run),
	}
}

func (m *MemoryStore) SaveDeck(_ context.Context, d domain.Deck) error {
	if d.Status == "" {
		d.Status = domain.DeckPending
	}
	m.mu.Lock()
	m.decks[d.ID] = d
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetDeck(_ context.Context, id string) (domain.Deck, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decks[id]
	return d, ok, nil
}

func (m *MemoryStore) CompleteDeck(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decks[id]
	if !ok || d.Status != domain.DeckPending {
		return false, nil
	}
	d.HeroImageURL = ""
	if ordered := m.slidesOfLocked(id); len(ordered) > 0 {
		d.HeroImageURL = ordered[0].ImageURL
	}
	d.Status = domain.DeckCompleted
	d.UpdatedAt = time.Now().UTC()
	m.decks[id] = d
	return true, nil
}

func (m *MemoryStore) AcknowledgeDeck(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decks[id]
	if !ok || d.Status != domain.DeckCompleted {
		return false, nil
	}
	d.Status = domain.DeckAcknowledged
	d.UpdatedAt = time.Now().UTC()
	m.decks[id] = d
	return true, nil
}

func (m *MemoryStore) DeleteDeck(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, sl := range m.slides {
		if sl.DeckID == id {
			delete(m.slides, sid)
		}
	}
	delete(m.decks, id)
	return nil
}

func (m *MemoryStore) SaveSlides(_ context.Context, slides []domain.Slide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sl := range slides {
		if sl.Status == "" {
			sl.Status = domain.SlidePending
		}
		m.slides[sl.ID] = sl
	}
	return nil
}

func (m *MemoryStore) ListSlides(_ context.Context, deckID string) ([]domain.Slide, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slidesOfLocked(deckID), nil
}

func (m *MemoryStore) CountSlides(_ context.Context, deckID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slidesOfLocked(deckID)), nil
}

func (m *MemoryStore) NextPendingSlides(_ context.Context, deckID string, limit int) ([]domain.Slide, error) {
	if limit <= 0 {
		return []domain.Slide{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Slide, 0, limit)
	for _, sl := range m.slidesOfLocked(deckID) {
		if len(res) >= limit {
			break
		}
		if sl.Status == domain.SlidePending {
			res = append(res, sl)
		}
	}
	return res, nil
}

func (m *MemoryStore) CompleteSlide(_ context.Context, id string, result domain.SlideResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.slides[id]
	if !ok || sl.Status != domain.SlidePending {
		return false, nil
	}
	sl.Caption = result.Caption
	if result.ImageURL != "" {
		sl.ImageURL = result.ImageURL
	}
	sl.Status = domain.SlideCompleted
	sl.UpdatedAt = time.Now().UTC()
	m.slides[id] = sl
	return true, nil
}

func (m *MemoryStore) BlockSlide(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.slides[id]
	if !ok || sl.Status != domain.SlidePending {
		return false, nil
	}
	sl.Status = domain.SlideBlocked
	sl.UpdatedAt = time.Now().UTC()
	m.slides[id] = sl
	return true, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run domain.Run) error {
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (domain.Run, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	return run, ok, nil
}

func (m *MemoryStore) ListRunsByDeck(_ context.Context, deckID string) ([]domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Run, 0)
	for _, run := range m.runs {
		if run.DeckID == deckID {
			res = append(res, run)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) StartRun(_ context.Context, id string, maxSteps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status.Terminal() {
		return nil
	}
	run.Status = domain.RunRunning
	run.MaxSteps = maxSteps
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) AdvanceRun(_ context.Context, id string, step int, output domain.RunOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Step >= step {
		return nil
	}
	run.Step = step
	run.Output = output
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, id string, output domain.RunOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status.Terminal() {
		return nil
	}
	run.Status = domain.RunComplete
	run.Error = ""
	run.Output = output
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) SetRunStatus(_ context.Context, id string, status domain.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status.Terminal() {
		return nil
	}
	run.Status = status
	run.Error = errMsg
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) slidesOfLocked(deckID string) []domain.Slide {
	res := make([]domain.Slide, 0)
	for _, sl := range m.slides {
		if sl.DeckID == deckID {
			res = append(res, sl)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Order < res[j].Order })
	return res
}
