package domain

import "time"

// DeckType selects how a deck's slides are populated.
type DeckType string

const (
	// DeckTypeHuman decks carry uploaded images; the workflow writes captions.
	DeckTypeHuman DeckType = "human"
	// DeckTypeAI decks carry prompts; the workflow writes generated images.
	DeckTypeAI DeckType = "ai"
)

// Valid reports whether t is a known deck type.
func (t DeckType) Valid() bool {
	return t == DeckTypeHuman || t == DeckTypeAI
}

type DeckStatus string

const (
	DeckPending      DeckStatus = "pending"
	DeckCompleted    DeckStatus = "completed"
	DeckAcknowledged DeckStatus = "acknowledged"
)

type SlideStatus string

const (
	SlidePending   SlideStatus = "pending"
	SlideCompleted SlideStatus = "completed"
	// SlideBlocked marks a slide whose source data is missing; it is never reselected.
	SlideBlocked SlideStatus = "blocked"
)

// Terminal reports whether a slide no longer needs processing.
func (s SlideStatus) Terminal() bool {
	return s == SlideCompleted || s == SlideBlocked
}

type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunErrored  RunStatus = "errored"
)

// Terminal reports whether a run will make no further progress.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunErrored
}

type Deck struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	HeroImageURL string     `json:"hero_image_url,omitempty"`
	AIPrompt     string     `json:"ai_prompt,omitempty"`
	Status       DeckStatus `json:"wf_status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Slide struct {
	ID        string      `json:"id"`
	DeckID    string      `json:"deck_id"`
	Order     int         `json:"deck_order"`
	Caption   string      `json:"caption,omitempty"`
	ImageURL  string      `json:"image_url,omitempty"`
	Status    SlideStatus `json:"wf_status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// SlideResult is the terminal content written for a processed slide.
// An empty ImageURL leaves the stored image reference untouched.
type SlideResult struct {
	Caption  string
	ImageURL string
}

// Run is one orchestrator instance bound to a deck.
// Step is the persisted cursor: the index of the next unexecuted step.
type Run struct {
	ID        string    `json:"id"`
	DeckID    string    `json:"deck_id"`
	DeckType  DeckType  `json:"deck_type"`
	Status    RunStatus `json:"status"`
	Step      int       `json:"step"`
	MaxSteps  int       `json:"max_steps"`
	Error     string    `json:"error,omitempty"`
	Output    RunOutput `json:"output"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunOutput accumulates per-step progress counters.
type RunOutput struct {
	Steps     int `json:"steps"`
	Completed int `json:"completed"`
	Blocked   int `json:"blocked"`
}
