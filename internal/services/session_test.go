package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/config"
	"github.com/ahmadshakeelpu/psych-study/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubStore is an in-memory Store with the same conditional-write semantics
// as the GORM implementation.
type stubStore struct {
	mu           sync.Mutex
	participants map[string]*models.Participant
	entries      map[string][]models.ConversationEntry
	scales       map[string][]models.ScaleResponse
}

func newStubStore() *stubStore {
	return &stubStore{
		participants: map[string]*models.Participant{},
		entries:      map[string][]models.ConversationEntry{},
		scales:       map[string][]models.ScaleResponse{},
	}
}

func (s *stubStore) CreateParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *stubStore) GetParticipant(_ context.Context, id string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Entries = append([]models.ConversationEntry(nil), s.entries[id]...)
	cp.Scales = append([]models.ScaleResponse(nil), s.scales[id]...)
	return &cp, nil
}

func (s *stubStore) SaveDemographics(_ context.Context, id string, d models.Demographics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participants[id]
	p.AgeCategory = d.AgeCategory
	p.Gender = d.Gender
	p.Nationality = d.Nationality
	p.Education = d.Education
	p.Occupation = d.Occupation
	p.RecruitmentExperience = d.RecruitmentExperience
	p.RecruitmentRole = d.RecruitmentRole
	return nil
}

func (s *stubStore) SaveScales(_ context.Context, id string, attari, tai map[string]int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participants[id]
	if p.ScalesSavedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	p.ScalesSavedAt = &now
	for qid, rating := range attari {
		s.scales[id] = append(s.scales[id], models.ScaleResponse{ParticipantID: id, Scale: "attari", QuestionID: qid, Rating: rating})
	}
	for qid, rating := range tai {
		s.scales[id] = append(s.scales[id], models.ScaleResponse{ParticipantID: id, Scale: "tai", QuestionID: qid, Rating: rating})
	}
	return true, nil
}

func (s *stubStore) ApplyScreening(_ context.Context, id, text string, baseline int, excluded bool, condition *models.Condition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participants[id]
	if p.ScreenedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	p.ScreeningText = text
	p.BaselineUse = &baseline
	p.ScreenedAt = &now
	p.Excluded = excluded
	p.Condition = condition
	return true, nil
}

func (s *stubStore) AppendEntry(_ context.Context, entry *models.ConversationEntry, expectedPrior int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries[entry.ParticipantID]) != expectedPrior {
		return false, nil
	}
	entry.ID = uint(len(s.entries[entry.ParticipantID]) + 1)
	s.entries[entry.ParticipantID] = append(s.entries[entry.ParticipantID], *entry)
	return true, nil
}

func (s *stubStore) EntryByRound(_ context.Context, id string, round int) (*models.ConversationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[id] {
		if e.Round == round {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) MarkCompleted(_ context.Context, id string, postUse int, postChange string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participants[id]
	if p.Completed || p.Excluded {
		return false, nil
	}
	now := time.Now().UTC()
	p.PostUse = &postUse
	p.PostChange = postChange
	p.Completed = true
	p.CompletedAt = &now
	return true, nil
}

// stubCompleter counts calls and returns deterministic replies.
type stubCompleter struct {
	calls      int
	fail       bool
	lastSystem string
	lastUser   string
}

func (s *stubCompleter) Complete(_ context.Context, system, user string) (string, error) {
	s.calls++
	s.lastSystem = system
	s.lastUser = user
	if s.fail {
		return "", errors.New("upstream down")
	}
	return fmt.Sprintf("reply %d", s.calls), nil
}

func testPrompts() *models.PromptSet {
	return &models.PromptSet{
		Control:      "control instruction",
		Experimental: "experimental instruction",
		Greeting:     "open round {round}",
	}
}

func newTestService(store Store, completer Completer, lenient bool) *SessionService {
	cfg := config.StudyConfig{Rounds: 3, ExclusionToken: "no", LenientStages: lenient}
	return NewSessionService(store, completer, nil, testPrompts(), cfg, zap.NewNop())
}

func attariRatings() map[string]int {
	m := make(map[string]int, 12)
	for i := 1; i <= 12; i++ {
		m[fmt.Sprintf("attari_%d", i)] = 3
	}
	return m
}

func taiRatings() map[string]int {
	return map[string]int{"RCG1": 4, "PDC1": 2, "RCM1": 5, "DSM1": 1}
}

// advanceToScreening enrolls a participant and saves both scales.
func advanceToScreening(t *testing.T, svc *SessionService) string {
	t.Helper()
	ctx := context.Background()
	enrolled, err := svc.Enroll(ctx, EnrollInput{
		ConsentAt:   time.Now(),
		Demographic: &models.Demographics{AgeCategory: "25-34", Gender: "female", Nationality: "DE", Education: "masters", Occupation: "recruiter"},
	})
	require.NoError(t, err)

	stage, err := svc.SaveScales(ctx, enrolled.ParticipantID, attariRatings(), taiRatings())
	require.NoError(t, err)
	require.Equal(t, models.StageScreening, stage)
	return enrolled.ParticipantID
}

func TestEnrollMintsDistinctIdentifiers(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		result, err := svc.Enroll(context.Background(), EnrollInput{ConsentAt: time.Now()})
		require.NoError(t, err)
		require.NotEmpty(t, result.ParticipantID)
		assert.False(t, seen[result.ParticipantID], "identifier reused: %s", result.ParticipantID)
		seen[result.ParticipantID] = true
	}
}

func TestEnrollRequiresConsentTimestamp(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubCompleter{}, false)

	_, err := svc.Enroll(context.Background(), EnrollInput{})
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
	assert.Empty(t, store.participants, "nothing may be persisted on validation failure")
}

func TestSaveScalesRequiresBothScales(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)
	enrolled, err := svc.Enroll(context.Background(), EnrollInput{ConsentAt: time.Now()})
	require.NoError(t, err)

	_, err = svc.SaveScales(context.Background(), enrolled.ParticipantID, attariRatings(), nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestSaveScalesRejectedBeforeDemographicsInStrictMode(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubCompleter{}, false)
	enrolled, err := svc.Enroll(context.Background(), EnrollInput{ConsentAt: time.Now()})
	require.NoError(t, err)

	_, err = svc.SaveScales(context.Background(), enrolled.ParticipantID, attariRatings(), taiRatings())
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
	assert.Nil(t, store.participants[enrolled.ParticipantID].ScalesSavedAt)

	// Submitting demographics unblocks the questionnaires.
	_, err = svc.SaveDemographics(context.Background(), enrolled.ParticipantID, models.Demographics{AgeCategory: "25-34"})
	require.NoError(t, err)
	stage, err := svc.SaveScales(context.Background(), enrolled.ParticipantID, attariRatings(), taiRatings())
	require.NoError(t, err)
	assert.Equal(t, models.StageScreening, stage)
}

func TestSaveScalesAcceptedBeforeDemographicsInLenientMode(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, true)
	enrolled, err := svc.Enroll(context.Background(), EnrollInput{ConsentAt: time.Now()})
	require.NoError(t, err)

	stage, err := svc.SaveScales(context.Background(), enrolled.ParticipantID, attariRatings(), taiRatings())
	require.NoError(t, err)
	assert.Equal(t, models.StageScreening, stage)
}

func TestSaveScalesReplayIsNoOp(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubCompleter{}, false)
	id := advanceToScreening(t, svc)

	before := len(store.scales[id])
	stage, err := svc.SaveScales(context.Background(), id, attariRatings(), taiRatings())
	require.NoError(t, err)
	assert.Equal(t, models.StageScreening, stage)
	assert.Equal(t, before, len(store.scales[id]), "replay must not duplicate scale rows")
}

func TestUnknownParticipantIsNotFound(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)

	_, err := svc.Screen(context.Background(), "missing-id", "some text", 50)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestScreenRejectedBeforeScalesInStrictMode(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)
	enrolled, err := svc.Enroll(context.Background(), EnrollInput{ConsentAt: time.Now()})
	require.NoError(t, err)

	_, err = svc.Screen(context.Background(), enrolled.ParticipantID, "I worry about bias", 40)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestScreenAcceptedBeforeScalesInLenientMode(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, true)
	enrolled, err := svc.Enroll(context.Background(), EnrollInput{ConsentAt: time.Now()})
	require.NoError(t, err)

	result, err := svc.Screen(context.Background(), enrolled.ParticipantID, "I worry about bias", 40)
	require.NoError(t, err)
	assert.False(t, result.Excluded)
	require.NotNil(t, result.Condition)
}

func TestScreenAssignsConditionOnce(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubCompleter{}, false)
	id := advanceToScreening(t, svc)

	draws := 0
	svc.assign = func() models.Condition {
		draws++
		return models.ConditionExperimental
	}

	first, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)
	require.False(t, first.Excluded)
	require.NotNil(t, first.Condition)
	assert.Equal(t, models.ConditionExperimental, *first.Condition)
	assert.Equal(t, models.StageConversation, first.Stage)

	second, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)
	assert.Equal(t, *first.Condition, *second.Condition)
	assert.Equal(t, 1, draws, "replaying screen must not re-randomize")
}

func TestScreenExclusionTokenVariants(t *testing.T) {
	for _, text := range []string{"no", "No", " NO ", "no "} {
		store := newStubStore()
		svc := newTestService(store, &stubCompleter{}, false)
		id := advanceToScreening(t, svc)

		result, err := svc.Screen(context.Background(), id, text, 10)
		require.NoError(t, err, "text %q", text)
		assert.True(t, result.Excluded, "text %q must exclude", text)
		assert.Nil(t, result.Condition, "excluded participants never get a condition")
		assert.Equal(t, models.StageExcluded, result.Stage)
	}
}

func TestScreenSubstringDoesNotExclude(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)
	id := advanceToScreening(t, svc)

	result, err := svc.Screen(context.Background(), id, "no concerns at all", 10)
	require.NoError(t, err)
	assert.False(t, result.Excluded)
	require.NotNil(t, result.Condition)
}

func TestExcludedParticipantCannotChat(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)
	id := advanceToScreening(t, svc)

	result, err := svc.Screen(context.Background(), id, "no", 10)
	require.NoError(t, err)
	require.True(t, result.Excluded)

	_, err = svc.ChatRound(context.Background(), id, 1, "Hello")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))

	_, err = svc.Complete(context.Background(), id, 50, "done")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestChatRoundsCommitInOrder(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{}
	svc := newTestService(store, completer, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)

	// Round 2 before round 1 is out of order.
	_, err = svc.ChatRound(context.Background(), id, 2, "Hello")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))

	for round := 1; round <= 3; round++ {
		result, err := svc.ChatRound(context.Background(), id, round, fmt.Sprintf("message %d", round))
		require.NoError(t, err)
		assert.NotEmpty(t, result.Reply)
		if round < 3 {
			assert.Equal(t, models.StageConversation, result.Stage)
		} else {
			assert.Equal(t, models.StagePostTest, result.Stage)
		}
	}

	entries := store.entries[id]
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Round)
	}

	// A 4th round is rejected, never appended.
	_, err = svc.ChatRound(context.Background(), id, 4, "one more")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
	assert.Len(t, store.entries[id], 3)
}

func TestChatRoundReplayReturnsCommittedReply(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{}
	svc := newTestService(store, completer, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)

	first, err := svc.ChatRound(context.Background(), id, 1, "Hello")
	require.NoError(t, err)
	callsAfterFirst := completer.calls

	replay, err := svc.ChatRound(context.Background(), id, 1, "Hello")
	require.NoError(t, err)
	assert.Equal(t, first.Reply, replay.Reply)
	assert.Equal(t, callsAfterFirst, completer.calls, "replay must not call the completion service")
	assert.Len(t, store.entries[id], 1, "replay must not duplicate the round")
}

func TestChatPromptDependsOnCondition(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{}
	svc := newTestService(store, completer, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionExperimental }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)

	_, err = svc.ChatRound(context.Background(), id, 1, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "experimental instruction\nContext: I worry about bias", completer.lastSystem)
	assert.Equal(t, "Round 1 user: Hello", completer.lastUser)
}

func TestChatUpstreamFailureCommitsNothing(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{fail: true}
	svc := newTestService(store, completer, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)

	_, err = svc.ChatRound(context.Background(), id, 1, "Hello")
	require.Error(t, err)
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Empty(t, store.entries[id], "a failed round must not be appended")

	// The identical retry succeeds once the upstream recovers.
	completer.fail = false
	result, err := svc.ChatRound(context.Background(), id, 1, "Hello")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Reply)
}

func TestGreetingIsNotPersisted(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{}
	svc := newTestService(store, completer, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)

	reply, err := svc.Greeting(context.Background(), id, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
	assert.Equal(t, "open round 1", completer.lastUser)
	assert.Empty(t, store.entries[id])

	// Greeting for a round that has not been reached is rejected.
	_, err = svc.Greeting(context.Background(), id, 2)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestGreetingRejectedAfterConversationFinished(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{}
	svc := newTestService(store, completer, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)
	for round := 1; round <= 3; round++ {
		_, err := svc.ChatRound(context.Background(), id, round, "msg")
		require.NoError(t, err)
	}
	callsAfterRounds := completer.calls

	// All rounds committed; no greeting should reach the completion service.
	for _, round := range []int{1, 3} {
		_, err = svc.Greeting(context.Background(), id, round)
		require.Error(t, err, "round %d", round)
		assert.Equal(t, KindInvalid, KindOf(err))
	}
	assert.Equal(t, callsAfterRounds, completer.calls)
}

func TestCompleteRequiresFinishedConversation(t *testing.T) {
	svc := newTestService(newStubStore(), &stubCompleter{}, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), id, 70, "felt reassured")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestCompleteSetsFlagOnce(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubCompleter{}, false)
	id := advanceToScreening(t, svc)
	svc.assign = func() models.Condition { return models.ConditionControl }
	_, err := svc.Screen(context.Background(), id, "I worry about bias", 40)
	require.NoError(t, err)
	for round := 1; round <= 3; round++ {
		_, err := svc.ChatRound(context.Background(), id, round, "msg")
		require.NoError(t, err)
	}

	stage, err := svc.Complete(context.Background(), id, 70, "felt reassured")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, stage)

	firstCompletedAt := store.participants[id].CompletedAt
	stage, err = svc.Complete(context.Background(), id, 10, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, stage)
	assert.Equal(t, firstCompletedAt, store.participants[id].CompletedAt, "replay must not rewrite completion")
	assert.Equal(t, 70, *store.participants[id].PostUse, "replay must not overwrite post-test data")
}

func TestEndToEndFlow(t *testing.T) {
	store := newStubStore()
	completer := &stubCompleter{}
	svc := newTestService(store, completer, false)
	ctx := context.Background()

	enrolled, err := svc.Enroll(ctx, EnrollInput{
		ConsentAt:   time.Now(),
		Demographic: &models.Demographics{AgeCategory: "35-44", Gender: "male", Nationality: "UK", Education: "bachelors", Occupation: "hr manager", RecruitmentExperience: true},
	})
	require.NoError(t, err)
	id := enrolled.ParticipantID
	assert.Equal(t, models.StageQuestionnaires, enrolled.Stage)

	stage, err := svc.SaveScales(ctx, id, attariRatings(), taiRatings())
	require.NoError(t, err)
	assert.Equal(t, models.StageScreening, stage)

	screen, err := svc.Screen(ctx, id, "I worry about bias", 40)
	require.NoError(t, err)
	require.False(t, screen.Excluded)
	require.NotNil(t, screen.Condition)
	assert.Contains(t, []models.Condition{models.ConditionControl, models.ConditionExperimental}, *screen.Condition)

	for round := 1; round <= 3; round++ {
		result, err := svc.ChatRound(ctx, id, round, fmt.Sprintf("message %d", round))
		require.NoError(t, err)
		assert.NotEmpty(t, result.Reply)
	}

	stage, err = svc.Complete(ctx, id, 70, "felt reassured")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, stage)

	state, err := svc.State(ctx, id)
	require.NoError(t, err)
	assert.True(t, state.Completed)
	assert.Equal(t, 3, state.RoundsCommitted)

	entries := store.entries[id]
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Round)
	}
}

func TestConcurrentScreeningKeepsOneCondition(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubCompleter{}, false)
	id := advanceToScreening(t, svc)

	var wg sync.WaitGroup
	results := make([]*ScreenResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Screen(context.Background(), id, "I worry about bias", 40)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.NotNil(t, store.participants[id].Condition)
	committed := *store.participants[id].Condition
	for _, r := range results {
		require.NotNil(t, r.Condition)
		assert.Equal(t, committed, *r.Condition, "every caller must observe the single committed draw")
	}
}
