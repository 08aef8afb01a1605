package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/models"
)

// ExportStore is the read side the admin export and dashboard consume.
type ExportStore interface {
	ListParticipants(ctx context.Context) ([]*models.Participant, error)
}

// ExportService builds the privileged tabular dump of all participant
// records. Structured columns (scale ratings, chat log) are JSON-encoded
// cells, the shape the analysis tooling already consumes.
type ExportService struct {
	store  ExportStore
	rounds int
}

func NewExportService(store ExportStore, rounds int) *ExportService {
	return &ExportService{store: store, rounds: rounds}
}

var exportHeader = []string{
	"id", "consent_at",
	"age_category", "gender", "nationality", "education", "occupation",
	"recruitment_experience", "recruitment_role",
	"attari", "tai",
	"screening_text", "baseline_use", "condition", "excluded",
	"chat",
	"post_use", "post_change", "completed",
	"stage", "created_at",
}

// ExportCSV renders every participant as one CSV row.
func (s *ExportService) ExportCSV(ctx context.Context) ([]byte, error) {
	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, NewPersistenceError("list participants", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, p := range participants {
		row, err := exportRow(p, s.rounds)
		if err != nil {
			return nil, err
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRow(p *models.Participant, rounds int) ([]string, error) {
	ratings := p.RatingsByScale()
	attariJSON, err := ratingsCell(ratings["attari"])
	if err != nil {
		return nil, fmt.Errorf("encode attari ratings: %w", err)
	}
	taiJSON, err := ratingsCell(ratings["tai"])
	if err != nil {
		return nil, fmt.Errorf("encode tai ratings: %w", err)
	}

	type chatRow struct {
		Round       int       `json:"round"`
		UserMessage string    `json:"user_message"`
		Reply       string    `json:"reply"`
		Ts          time.Time `json:"ts"`
	}
	chat := make([]chatRow, len(p.Entries))
	for i, e := range p.Entries {
		chat[i] = chatRow{Round: e.Round, UserMessage: e.UserMessage, Reply: e.Reply, Ts: e.Ts}
	}
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("encode chat log: %w", err)
	}

	condition := ""
	if p.Condition != nil {
		condition = string(*p.Condition)
	}

	return []string{
		p.ID,
		p.ConsentAt.Format(time.RFC3339),
		p.AgeCategory, p.Gender, p.Nationality, p.Education, p.Occupation,
		fmt.Sprintf("%t", p.RecruitmentExperience), p.RecruitmentRole,
		attariJSON, taiJSON,
		p.ScreeningText, intCell(p.BaselineUse), condition, fmt.Sprintf("%t", p.Excluded),
		string(chatJSON),
		intCell(p.PostUse), p.PostChange, fmt.Sprintf("%t", p.Completed),
		string(p.Stage(rounds)),
		p.CreatedAt.Format(time.RFC3339),
	}, nil
}

// ratingsCell encodes a rating map as a JSON object cell. A participant who
// has not reached the questionnaires gets {}, not the JSON null a nil map
// would produce.
func ratingsCell(m map[string]int) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func intCell(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

// Summary aggregates participants per stage and per condition for the admin
// dashboard.
type Summary struct {
	Total       int
	ByStage     map[models.SessionStage]int
	ByCondition map[models.Condition]int
}

func (s *ExportService) Summarize(ctx context.Context) (*Summary, error) {
	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, NewPersistenceError("list participants", err)
	}

	sum := &Summary{
		Total:       len(participants),
		ByStage:     make(map[models.SessionStage]int),
		ByCondition: make(map[models.Condition]int),
	}
	for _, p := range participants {
		sum.ByStage[p.Stage(s.rounds)]++
		if p.Condition != nil {
			sum.ByCondition[*p.Condition]++
		}
	}
	return sum, nil
}
