package models

import (
	"time"

	"github.com/lib/pq"
)

// Condition is the experimental arm a participant is randomized into. It
// selects the system instruction used for every conversation round.
type Condition string

const (
	ConditionControl      Condition = "control"
	ConditionExperimental Condition = "experimental"
)

// SessionStage is the participant's position in the ordered study flow. It is
// never stored; it is derived from which Participant fields are populated, so
// the server record stays the single source of truth and the client-side
// progress cache is only a rendering hint.
type SessionStage string

const (
	StageConsent        SessionStage = "consent"
	StageDemographics   SessionStage = "demographics"
	StageQuestionnaires SessionStage = "questionnaires"
	StageScreening      SessionStage = "screening"
	StageExcluded       SessionStage = "excluded"
	StageConversation   SessionStage = "conversation"
	StagePostTest       SessionStage = "post-test"
	StageCompleted      SessionStage = "completed"
)

// Demographics is the demographic block collected at consent or on the
// demographics screen.
type Demographics struct {
	AgeCategory           string `json:"age"`
	Gender                string `json:"gender"`
	Nationality           string `json:"nationality"`
	Education             string `json:"education"`
	Occupation            string `json:"occupation"`
	RecruitmentExperience bool   `json:"recruitment_experience"`
	RecruitmentRole       string `json:"recruitment_role,omitempty"`
}

// Participant is the durable record for one study enrollee. One row per
// participant; every stage transition mutates this row (or appends child
// rows), and nothing is ever deleted by the service.
type Participant struct {
	ID        string `gorm:"primaryKey;size:36"`
	ConsentAt time.Time

	// Demographics, collected at enrollment or on the demographics screen.
	AgeCategory           string
	Gender                string
	Nationality           string
	Education             string
	Occupation            string
	RecruitmentExperience bool
	RecruitmentRole       string

	// Randomized presentation order for the questionnaire items, fixed at
	// enrollment so an interrupted participant sees a stable order on resume.
	ItemOrder pq.StringArray `gorm:"type:text[]"`

	// ScalesSavedAt is set exactly once, when both rating scales arrive
	// together. The ratings themselves live in scale_responses.
	ScalesSavedAt *time.Time
	Scales        []ScaleResponse `gorm:"foreignKey:ParticipantID"`

	// Screening outcome. ScreenedAt gates the whole screening transition:
	// the UPDATE that stores text, baseline, exclusion and condition runs
	// conditionally on it being NULL, so a concurrent double-submit can
	// never randomize twice.
	ScreeningText string
	BaselineUse   *int
	ScreenedAt    *time.Time
	Excluded      bool
	Condition     *Condition `gorm:"size:16"`

	Entries []ConversationEntry `gorm:"foreignKey:ParticipantID"`

	// Post-test outcome. Completed flips false->true exactly once.
	PostUse     *int
	PostChange  string
	Completed   bool
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDemographics reports whether the demographic block has been filled in.
// The original intake form allows enrolling with an empty block and
// submitting demographics on the next screen.
func (p *Participant) HasDemographics() bool {
	return p.AgeCategory != ""
}

// Stage derives the participant's current stage from field presence.
// totalRounds is the configured number of conversation rounds; Entries must
// be loaded for the derivation to see committed rounds.
func (p *Participant) Stage(totalRounds int) SessionStage {
	switch {
	case p.Completed:
		return StageCompleted
	case p.Excluded:
		return StageExcluded
	case p.Condition != nil:
		if len(p.Entries) >= totalRounds {
			return StagePostTest
		}
		return StageConversation
	case p.ScalesSavedAt != nil:
		return StageScreening
	case p.HasDemographics():
		return StageQuestionnaires
	default:
		return StageDemographics
	}
}

// Terminal reports whether the participant can make no further transitions.
func (p *Participant) Terminal() bool {
	return p.Completed || p.Excluded
}

// RatingsByScale collects the stored scale responses into one map per scale
// key, the shape they were submitted in.
func (p *Participant) RatingsByScale() map[string]map[string]int {
	out := make(map[string]map[string]int)
	for _, r := range p.Scales {
		m, ok := out[r.Scale]
		if !ok {
			m = make(map[string]int)
			out[r.Scale] = m
		}
		m[r.QuestionID] = r.Rating
	}
	return out
}
