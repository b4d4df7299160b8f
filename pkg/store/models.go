package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Column names follow the decks/slides
// schema shared with the web application.
type DeckModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"not null;index"`
	Name         string    `gorm:"not null"`
	HeroImageURL *string   `gorm:"column:hero_image_url"`
	AIPrompt     *string   `gorm:"column:ai_prompt"`
	WfStatus     string    `gorm:"column:wf_status;not null;default:pending"`
	CreatedAt    time.Time `gorm:"column:createdAt;not null"`
	UpdatedAt    time.Time `gorm:"column:updatedAt;not null"`
}

func (DeckModel) TableName() string { return "decks" }

type SlideModel struct {
	ID        string    `gorm:"primaryKey"`
	DeckID    string    `gorm:"column:deck_id;not null;index:idx_slides_pending,priority:1;uniqueIndex:idx_slides_order,priority:1"`
	DeckOrder int       `gorm:"column:deck_order;not null;index:idx_slides_pending,priority:3;uniqueIndex:idx_slides_order,priority:2"`
	Caption   *string   `gorm:"column:caption"`
	ImageURL  *string   `gorm:"column:image_url"`
	WfStatus  string    `gorm:"column:wf_status;not null;default:pending;index:idx_slides_pending,priority:2"`
	CreatedAt time.Time `gorm:"column:createdAt;not null"`
	UpdatedAt time.Time `gorm:"column:updatedAt;not null"`
}

func (SlideModel) TableName() string { return "slides" }

type RunModel struct {
	ID        string         `gorm:"primaryKey"`
	DeckID    string         `gorm:"column:deck_id;not null;index"`
	DeckType  string         `gorm:"column:deck_type;not null"`
	Status    string         `gorm:"not null"`
	Step      int            `gorm:"not null;default:0"`
	MaxSteps  int            `gorm:"not null;default:0"`
	Error     string         `gorm:"type:text"`
	Output    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"column:createdAt;not null"`
	UpdatedAt time.Time      `gorm:"column:updatedAt;not null"`
}

func (RunModel) TableName() string { return "workflow_runs" }
