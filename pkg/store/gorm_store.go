package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"battledecks/pkg/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51736021

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DeckModel{}, &SlideModel{}, &RunModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'slides'
					AND constraint_name = 'slides_deck_id_fkey'
				) THEN
					DELETE FROM slides s
					WHERE NOT EXISTS (SELECT 1 FROM decks d WHERE d.id = s.deck_id);
					ALTER TABLE slides
					ADD CONSTRAINT slides_deck_id_fkey
					FOREIGN KEY (deck_id) REFERENCES decks(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure slide foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveDeck stores or updates a deck.
func (s *GormStore) SaveDeck(ctx context.Context, d domain.Deck) error {
	model := deckToModel(d)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "hero_image_url", "ai_prompt", "wf_status", "updatedAt"}),
	}).Create(&model).Error
}

// GetDeck retrieves a deck.
func (s *GormStore) GetDeck(ctx context.Context, id string) (domain.Deck, bool, error) {
	var model DeckModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Deck{}, false, nil
		}
		return domain.Deck{}, false, err
	}
	return deckFromModel(model), true, nil
}

// CompleteDeck flips a pending deck to completed and backfills the hero image
// from the lowest-ordered slide in the same statement.
func (s *GormStore) CompleteDeck(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&DeckModel{}).
		Where("id = ? AND wf_status = ?", id, string(domain.DeckPending)).
		Updates(map[string]any{
			"wf_status": string(domain.DeckCompleted),
			"hero_image_url": gorm.Expr(
				"(SELECT image_url FROM slides WHERE deck_id = ? ORDER BY deck_order ASC LIMIT 1)", id),
			"updatedAt": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AcknowledgeDeck moves a completed deck to acknowledged.
func (s *GormStore) AcknowledgeDeck(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&DeckModel{}).
		Where("id = ? AND wf_status = ?", id, string(domain.DeckCompleted)).
		Updates(map[string]any{
			"wf_status": string(domain.DeckAcknowledged),
			"updatedAt": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteDeck removes a deck and its slides.
func (s *GormStore) DeleteDeck(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SlideModel{}, "deck_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&DeckModel{}, "id = ?", id).Error
	})
}

// SaveSlides upserts slides in batches.
func (s *GormStore) SaveSlides(ctx context.Context, slides []domain.Slide) error {
	if len(slides) == 0 {
		return nil
	}
	models := make([]SlideModel, 0, len(slides))
	for _, slide := range slides {
		models = append(models, slideToModel(slide))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"deck_order", "caption", "image_url", "wf_status", "updatedAt"}),
	}).CreateInBatches(&models, 200).Error
}

// ListSlides returns a deck's slides in presentation order.
func (s *GormStore) ListSlides(ctx context.Context, deckID string) ([]domain.Slide, error) {
	var models []SlideModel
	if err := s.db.WithContext(ctx).
		Where("deck_id = ?", deckID).
		Order("deck_order ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return slidesFromModels(models), nil
}

// CountSlides returns number of slides in a deck.
func (s *GormStore) CountSlides(ctx context.Context, deckID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SlideModel{}).Where("deck_id = ?", deckID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// NextPendingSlides returns up to limit pending slides ordered by deck_order.
func (s *GormStore) NextPendingSlides(ctx context.Context, deckID string, limit int) ([]domain.Slide, error) {
	if limit <= 0 {
		return []domain.Slide{}, nil
	}
	var models []SlideModel
	if err := s.db.WithContext(ctx).
		Where("deck_id = ? AND wf_status = ?", deckID, string(domain.SlidePending)).
		Order("deck_order ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return slidesFromModels(models), nil
}

// CompleteSlide writes the slide's generated content if it is still pending.
func (s *GormStore) CompleteSlide(ctx context.Context, id string, result domain.SlideResult) (bool, error) {
	updates := map[string]any{
		"wf_status": string(domain.SlideCompleted),
		"caption":   result.Caption,
		"updatedAt": time.Now().UTC(),
	}
	if result.ImageURL != "" {
		updates["image_url"] = result.ImageURL
	}
	return s.transitionSlide(ctx, id, updates)
}

// BlockSlide parks a pending slide whose source data is missing.
func (s *GormStore) BlockSlide(ctx context.Context, id string) (bool, error) {
	return s.transitionSlide(ctx, id, map[string]any{
		"wf_status": string(domain.SlideBlocked),
		"updatedAt": time.Now().UTC(),
	})
}

func (s *GormStore) transitionSlide(ctx context.Context, id string, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&SlideModel{}).
		Where("id = ? AND wf_status = ?", id, string(domain.SlidePending)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateRun inserts a new workflow run.
func (s *GormStore) CreateRun(ctx context.Context, run domain.Run) error {
	model := runToModel(run)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetRun returns a run by ID.
func (s *GormStore) GetRun(ctx context.Context, id string) (domain.Run, bool, error) {
	var model RunModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Run{}, false, nil
		}
		return domain.Run{}, false, err
	}
	return runFromModel(model), true, nil
}

// ListRunsByDeck returns runs for a deck, oldest first.
func (s *GormStore) ListRunsByDeck(ctx context.Context, deckID string) ([]domain.Run, error) {
	var models []RunModel
	if err := s.db.WithContext(ctx).
		Where("deck_id = ?", deckID).
		Order(`"createdAt" ASC`).
		Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]domain.Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, runFromModel(m))
	}
	return runs, nil
}

// StartRun marks a run running and records its step ceiling.
func (s *GormStore) StartRun(ctx context.Context, id string, maxSteps int) error {
	return s.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalRunStatuses()).
		Updates(map[string]any{
			"status":    string(domain.RunRunning),
			"max_steps": maxSteps,
			"updatedAt": time.Now().UTC(),
		}).Error
}

// AdvanceRun moves the step cursor forward; it never moves backwards.
func (s *GormStore) AdvanceRun(ctx context.Context, id string, step int, output domain.RunOutput) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ? AND step < ?", id, step).
		Updates(map[string]any{
			"step":      step,
			"output":    datatypes.JSON(raw),
			"updatedAt": time.Now().UTC(),
		}).Error
}

// FinishRun marks a run complete with its final counters.
func (s *GormStore) FinishRun(ctx context.Context, id string, output domain.RunOutput) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalRunStatuses()).
		Updates(map[string]any{
			"status":    string(domain.RunComplete),
			"error":     "",
			"output":    datatypes.JSON(raw),
			"updatedAt": time.Now().UTC(),
		}).Error
}

// SetRunStatus updates status/error unless the run already reached a terminal state.
func (s *GormStore) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, errMsg string) error {
	return s.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalRunStatuses()).
		Updates(map[string]any{
			"status":    string(status),
			"error":     errMsg,
			"updatedAt": time.Now().UTC(),
		}).Error
}

func terminalRunStatuses() []string {
	return []string{string(domain.RunComplete), string(domain.RunErrored)}
}

func deckToModel(d domain.Deck) DeckModel {
	status := d.Status
	if status == "" {
		status = domain.DeckPending
	}
	return DeckModel{
		ID:           d.ID,
		Email:        d.Email,
		Name:         d.Name,
		HeroImageURL: nullable(d.HeroImageURL),
		AIPrompt:     nullable(d.AIPrompt),
		WfStatus:     string(status),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func deckFromModel(m DeckModel) domain.Deck {
	return domain.Deck{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		HeroImageURL: deref(m.HeroImageURL),
		AIPrompt:     deref(m.AIPrompt),
		Status:       domain.DeckStatus(m.WfStatus),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func slideToModel(sl domain.Slide) SlideModel {
	status := sl.Status
	if status == "" {
		status = domain.SlidePending
	}
	return SlideModel{
		ID:        sl.ID,
		DeckID:    sl.DeckID,
		DeckOrder: sl.Order,
		Caption:   nullable(sl.Caption),
		ImageURL:  nullable(sl.ImageURL),
		WfStatus:  string(status),
		CreatedAt: sl.CreatedAt,
		UpdatedAt: sl.UpdatedAt,
	}
}

func slidesFromModels(models []SlideModel) []domain.Slide {
	slides := make([]domain.Slide, 0, len(models))
	for _, m := range models {
		slides = append(slides, domain.Slide{
			ID:        m.ID,
			DeckID:    m.DeckID,
			Order:     m.DeckOrder,
			Caption:   deref(m.Caption),
			ImageURL:  deref(m.ImageURL),
			Status:    domain.SlideStatus(m.WfStatus),
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return slides
}

func runToModel(r domain.Run) RunModel {
	raw, _ := json.Marshal(r.Output)
	return RunModel{
		ID:        r.ID,
		DeckID:    r.DeckID,
		DeckType:  string(r.DeckType),
		Status:    string(r.Status),
		Step:      r.Step,
		MaxSteps:  r.MaxSteps,
		Error:     r.Error,
		Output:    raw,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func runFromModel(m RunModel) domain.Run {
	var output domain.RunOutput
	if len(m.Output) > 0 {
		_ = json.Unmarshal(m.Output, &output)
	}
	return domain.Run{
		ID:        m.ID,
		DeckID:    m.DeckID,
		DeckType:  domain.DeckType(m.DeckType),
		Status:    domain.RunStatus(m.Status),
		Step:      m.Step,
		MaxSteps:  m.MaxSteps,
		Error:     m.Error,
		Output:    output,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
