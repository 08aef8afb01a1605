package repository

import (
	"context"

	"github.com/ahmadshakeelpu/psych-study/internal/models"

	"gorm.io/gorm"
)

// ListParticipants returns every participant record with scale responses and
// the ordered ledger, oldest enrollment first. Used by the admin export and
// the summary dashboard.
func (s *Store) ListParticipants(ctx context.Context) ([]*models.Participant, error) {
	var participants []*models.Participant
	err := s.db.WithContext(ctx).
		Preload("Scales").
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("conversation_entries.id ASC")
		}).
		Order("created_at ASC").
		Find(&participants).Error
	return participants, err
}
