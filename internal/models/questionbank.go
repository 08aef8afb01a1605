package models

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/ahmadshakeelpu/psych-study/internal/utils"

	"gopkg.in/yaml.v3"
)

// Item is a single questionnaire statement rated on a Likert scale.
type Item struct {
	ID      string `yaml:"id"`
	Text    string `yaml:"text"`
	Facet   string `yaml:"facet,omitempty"`
	Valence string `yaml:"valence,omitempty"`
}

// Scale is one questionnaire (e.g. ATTARI or TAI).
type Scale struct {
	Key       string `yaml:"key"`
	Name      string `yaml:"name"`
	Points    int    `yaml:"points"` // Likert points, e.g. 5 or 7
	Randomize bool   `yaml:"randomize"`
	Items     []Item `yaml:"items"`
}

// QuestionBank holds all questionnaire scales administered by the study.
type QuestionBank struct {
	Scales []Scale `yaml:"scales"`
}

// LoadQuestionBank reads and parses the questions YAML file.
func LoadQuestionBank(path string) (*QuestionBank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read question bank: %w", err)
	}

	var bank QuestionBank
	if err := yaml.Unmarshal(data, &bank); err != nil {
		return nil, fmt.Errorf("failed to unmarshal question bank YAML: %w", err)
	}
	if len(bank.Scales) == 0 {
		return nil, fmt.Errorf("question bank %s contains no scales", path)
	}
	return &bank, nil
}

// Scale returns the scale with the given key, or nil.
func (b *QuestionBank) Scale(key string) *Scale {
	for i := range b.Scales {
		if b.Scales[i].Key == key {
			return &b.Scales[i]
		}
	}
	return nil
}

// ValidateRatings checks a submitted rating map against the scale: every item
// must be answered and every rating must fall within the Likert range.
func (b *QuestionBank) ValidateRatings(scaleKey string, ratings map[string]int) error {
	sc := b.Scale(scaleKey)
	if sc == nil {
		return fmt.Errorf("unknown scale %q", scaleKey)
	}
	for _, item := range sc.Items {
		rating, ok := ratings[item.ID]
		if !ok {
			return fmt.Errorf("scale %s: missing rating for %s", scaleKey, item.ID)
		}
		if !utils.ValidRating(rating, sc.Points) {
			return fmt.Errorf("scale %s: rating for %s out of range 1..%d", scaleKey, item.ID, sc.Points)
		}
	}
	return nil
}

// ShuffledItemIDs returns the presentation order for all items across the
// bank's scales. Scales marked Randomize get a fresh shuffle; the others keep
// their authored order. Called once at enrollment so the order is stable for
// the participant's whole session.
func (b *QuestionBank) ShuffledItemIDs() []string {
	var order []string
	for _, sc := range b.Scales {
		ids := make([]string, len(sc.Items))
		for i, item := range sc.Items {
			ids[i] = item.ID
		}
		if sc.Randomize {
			rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		}
		order = append(order, ids...)
	}
	return order
}
