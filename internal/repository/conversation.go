package repository

import (
	"context"
	"errors"

	"github.com/ahmadshakeelpu/psych-study/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errStaleAppend signals that another request committed a round between the
// caller's read and this append.
var errStaleAppend = errors.New("conversation log changed since read")

// AppendEntry appends one exchange to the participant's ledger. The append
// only succeeds if exactly expectedPrior rounds are committed at the time of
// the insert; the participant row is locked for the duration so two retries
// racing on the same round cannot both commit. Returns false when the
// precondition no longer holds.
func (s *Store) AppendEntry(ctx context.Context, entry *models.ConversationEntry, expectedPrior int) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Participant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			First(&p, "id = ?", entry.ParticipantID).Error; err != nil {
			return err
		}

		var committed int64
		if err := tx.Model(&models.ConversationEntry{}).
			Where("participant_id = ?", entry.ParticipantID).
			Count(&committed).Error; err != nil {
			return err
		}
		if int(committed) != expectedPrior {
			return errStaleAppend
		}

		return tx.Create(entry).Error
	})
	if errors.Is(err, errStaleAppend) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EntryByRound returns the first committed entry for a round, or (nil, nil).
func (s *Store) EntryByRound(ctx context.Context, id string, round int) (*models.ConversationEntry, error) {
	var entry models.ConversationEntry
	err := s.db.WithContext(ctx).
		Where("participant_id = ? AND round = ?", id, round).
		Order("id ASC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
