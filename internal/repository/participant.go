package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/models"

	"gorm.io/gorm"
)

// Store is the GORM-backed persistence layer. Set-once fields (screening
// outcome, condition, completion flag) are written with conditional UPDATEs;
// the caller learns from the returned bool whether its write won, so a
// concurrent duplicate submission can re-read the committed value instead of
// writing again.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateParticipant(ctx context.Context, p *models.Participant) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// GetParticipant loads one participant with scale responses and the ordered
// conversation ledger. Returns (nil, nil) when the id is unknown.
func (s *Store) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).
		Preload("Scales").
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("conversation_entries.id ASC")
		}).
		First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveDemographics(ctx context.Context, id string, d models.Demographics) error {
	return s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"age_category":           d.AgeCategory,
			"gender":                 d.Gender,
			"nationality":            d.Nationality,
			"education":              d.Education,
			"occupation":             d.Occupation,
			"recruitment_experience": d.RecruitmentExperience,
			"recruitment_role":       d.RecruitmentRole,
		}).Error
}

// SaveScales stores both rating maps and stamps ScalesSavedAt in one
// transaction. Returns false without writing anything if the scales were
// already saved for this participant.
func (s *Store) SaveScales(ctx context.Context, id string, attari, tai map[string]int) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Participant{}).
			Where("id = ? AND scales_saved_at IS NULL", id).
			Update("scales_saved_at", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		rows := make([]models.ScaleResponse, 0, len(attari)+len(tai))
		for qid, rating := range attari {
			rows = append(rows, models.ScaleResponse{ParticipantID: id, Scale: "attari", QuestionID: qid, Rating: rating})
		}
		for qid, rating := range tai {
			rows = append(rows, models.ScaleResponse{ParticipantID: id, Scale: "tai", QuestionID: qid, Rating: rating})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ApplyScreening commits the whole screening transition in one atomic write:
// screening text, baseline score, and either the exclusion flag or the drawn
// condition. The `screened_at IS NULL` guard makes the transition set-once;
// the losing side of a double submit gets applied=false and nothing changes.
func (s *Store) ApplyScreening(ctx context.Context, id, text string, baseline int, excluded bool, condition *models.Condition) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND screened_at IS NULL", id).
		Updates(map[string]interface{}{
			"screening_text": text,
			"baseline_use":   baseline,
			"screened_at":    time.Now().UTC(),
			"excluded":       excluded,
			"condition":      condition,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted records the post-test data and flips the completion flag,
// conditionally on it not being set yet.
func (s *Store) MarkCompleted(ctx context.Context, id string, postUse int, postChange string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND completed = false AND excluded = false", id).
		Updates(map[string]interface{}{
			"post_use":     postUse,
			"post_change":  postChange,
			"completed":    true,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
