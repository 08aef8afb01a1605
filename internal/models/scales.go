package models

import "time"

// ScaleResponse is a single questionnaire rating. Both scales for one
// participant are written in the same transaction as ScalesSavedAt, so a
// participant either has a complete set of responses or none.
type ScaleResponse struct {
	ID            uint   `gorm:"primaryKey"`
	ParticipantID string `gorm:"size:36;index"`
	Scale         string `gorm:"size:32"`
	QuestionID    string `gorm:"size:64"`
	Rating        int
	CreatedAt     time.Time
}
