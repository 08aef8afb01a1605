package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/config"
	"github.com/ahmadshakeelpu/psych-study/internal/models"
	"github.com/ahmadshakeelpu/psych-study/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence boundary the orchestrator drives. Implementations
// must make the set-once writes (SaveScales, ApplyScreening, AppendEntry,
// MarkCompleted) conditional, returning applied=false when the precondition
// no longer holds, so concurrent duplicates observe the committed value
// instead of writing twice.
type Store interface {
	CreateParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	SaveDemographics(ctx context.Context, id string, d models.Demographics) error
	SaveScales(ctx context.Context, id string, attari, tai map[string]int) (bool, error)
	ApplyScreening(ctx context.Context, id, text string, baseline int, excluded bool, condition *models.Condition) (bool, error)
	AppendEntry(ctx context.Context, entry *models.ConversationEntry, expectedPrior int) (bool, error)
	EntryByRound(ctx context.Context, id string, round int) (*models.ConversationEntry, error)
	MarkCompleted(ctx context.Context, id string, postUse int, postChange string) (bool, error)
}

// SessionService is the state machine driving a participant through the
// ordered study stages. Every method is one transition: it validates the
// payload, checks the current stage, performs at most one conditional write,
// and reports the resulting stage. Replays of committed transitions return
// the committed value and write nothing.
type SessionService struct {
	store     Store
	completer Completer
	screening *ScreeningEvaluator
	bank      *models.QuestionBank
	prompts   *models.PromptSet
	cfg       config.StudyConfig
	assign    func() models.Condition
	log       *zap.Logger
}

func NewSessionService(store Store, completer Completer, bank *models.QuestionBank, prompts *models.PromptSet, cfg config.StudyConfig, log *zap.Logger) *SessionService {
	return &SessionService{
		store:     store,
		completer: completer,
		screening: NewScreeningEvaluator(cfg.ExclusionToken),
		bank:      bank,
		prompts:   prompts,
		cfg:       cfg,
		assign:    AssignCondition,
		log:       log,
	}
}

// EnrollInput carries the consent timestamp and the (possibly empty)
// demographic block collected on the consent screen.
type EnrollInput struct {
	ConsentAt   time.Time
	Demographic *models.Demographics
}

// EnrollResult returns the minted identifier and the derived stage, plus the
// item presentation order the client should use for the questionnaires.
type EnrollResult struct {
	ParticipantID string
	Stage         models.SessionStage
	ItemOrder     []string
}

// ScreenResult is the screening verdict. Condition is nil when excluded.
type ScreenResult struct {
	Excluded  bool
	Condition *models.Condition
	Stage     models.SessionStage
}

// ChatResult is a committed (or replayed) conversation round.
type ChatResult struct {
	Round int
	Reply string
	Stage models.SessionStage
}

// StateResult mirrors the server-derived session state for client resume.
type StateResult struct {
	ParticipantID   string
	Stage           models.SessionStage
	Condition       *models.Condition
	RoundsCommitted int
	RoundsTotal     int
	ItemOrder       []string
	Excluded        bool
	Completed       bool
}

// Enroll mints a new participant identifier and creates the durable record.
// Identifiers are UUIDv4: globally unique, never reused, immutable.
func (s *SessionService) Enroll(ctx context.Context, in EnrollInput) (*EnrollResult, error) {
	if in.ConsentAt.IsZero() {
		return nil, NewInvalidError("consent_at required")
	}

	p := &models.Participant{
		ID:        uuid.NewString(),
		ConsentAt: in.ConsentAt.UTC(),
	}
	if in.Demographic != nil {
		applyDemographics(p, *in.Demographic)
	}
	if s.bank != nil {
		p.ItemOrder = s.bank.ShuffledItemIDs()
	}

	if err := s.store.CreateParticipant(ctx, p); err != nil {
		return nil, NewPersistenceError("create participant", err)
	}

	s.log.Info("Participant enrolled", zap.String("participant_id", p.ID))
	return &EnrollResult{
		ParticipantID: p.ID,
		Stage:         p.Stage(s.cfg.Rounds),
		ItemOrder:     p.ItemOrder,
	}, nil
}

// SaveDemographics records the demographic block for an enrolled participant.
func (s *SessionService) SaveDemographics(ctx context.Context, id string, d models.Demographics) (models.SessionStage, error) {
	if d.AgeCategory == "" {
		return "", NewInvalidError("age category required")
	}
	p, err := s.participant(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Terminal() {
		return p.Stage(s.cfg.Rounds), nil
	}
	if !s.cfg.LenientStages && p.ScalesSavedAt != nil {
		// Demographics are frozen once a later stage has committed data.
		return p.Stage(s.cfg.Rounds), nil
	}

	if err := s.store.SaveDemographics(ctx, id, d); err != nil {
		return "", NewPersistenceError("save demographics", err)
	}
	applyDemographics(p, d)
	return p.Stage(s.cfg.Rounds), nil
}

// SaveScales stores both questionnaire rating maps. Both scales must arrive
// together; a replay after commit is a no-op ack.
func (s *SessionService) SaveScales(ctx context.Context, id string, attari, tai map[string]int) (models.SessionStage, error) {
	if len(attari) == 0 || len(tai) == 0 {
		return "", NewInvalidError("both attari and tai ratings required")
	}
	if s.bank != nil {
		if err := s.bank.ValidateRatings("attari", attari); err != nil {
			return "", NewInvalidError(err.Error())
		}
		if err := s.bank.ValidateRatings("tai", tai); err != nil {
			return "", NewInvalidError(err.Error())
		}
	}

	p, err := s.participant(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Terminal() {
		return p.Stage(s.cfg.Rounds), nil
	}
	if p.ScalesSavedAt != nil {
		// Already committed; replaying the submission never resets state.
		return p.Stage(s.cfg.Rounds), nil
	}
	if !s.cfg.LenientStages && !p.HasDemographics() {
		return "", NewInvalidError("demographics must be submitted before the questionnaires")
	}

	applied, err := s.store.SaveScales(ctx, id, attari, tai)
	if err != nil {
		return "", NewPersistenceError("save scales", err)
	}
	if !applied {
		// Lost a race against an identical retry; the committed set stands.
		return s.stageOf(ctx, id)
	}

	now := time.Now().UTC()
	p.ScalesSavedAt = &now
	return p.Stage(s.cfg.Rounds), nil
}

// Screen evaluates eligibility and, for non-excluded participants, draws the
// condition. This is the single randomization point: the draw happens at most
// once per participant, enforced by the conditional screening write. Replays
// return the committed verdict without drawing again.
func (s *SessionService) Screen(ctx context.Context, id, text string, baseline int) (*ScreenResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewInvalidError("screening_text required")
	}
	if !utils.ValidScore(baseline) {
		return nil, NewInvalidError("baseline_use must be between 0 and 100")
	}

	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ScreenedAt != nil {
		// Screening already committed; report the stored verdict.
		return s.screenVerdict(p), nil
	}
	if !s.cfg.LenientStages && p.ScalesSavedAt == nil {
		return nil, NewInvalidError("both scales must be submitted before screening")
	}

	excluded := s.screening.Evaluate(text)
	var condition *models.Condition
	if !excluded {
		c := s.assign()
		condition = &c
	}

	applied, err := s.store.ApplyScreening(ctx, id, text, baseline, excluded, condition)
	if err != nil {
		return nil, NewPersistenceError("apply screening", err)
	}
	if !applied {
		// A concurrent submission won the conditional write; our draw is
		// discarded and the committed one is returned.
		fresh, err := s.participant(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.screenVerdict(fresh), nil
	}

	p.ScreeningText = text
	p.Excluded = excluded
	p.Condition = condition
	now := time.Now().UTC()
	p.ScreenedAt = &now

	if excluded {
		s.log.Info("Participant excluded at screening", zap.String("participant_id", id))
	} else {
		s.log.Info("Condition assigned",
			zap.String("participant_id", id),
			zap.String("condition", string(*condition)),
		)
	}
	return s.screenVerdict(p), nil
}

// ChatRound runs one conversation round: compose the condition-dependent
// exchange, call the completion service, and append the committed entry.
// Replaying a committed round returns its stored reply; a round beyond the
// configured count, or out of sequence, is rejected without side effects.
func (s *SessionService) ChatRound(ctx context.Context, id string, round int, userText string) (*ChatResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, NewInvalidError("user_message required")
	}
	if round < 1 {
		return nil, NewInvalidError("round must be positive")
	}

	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	condition, err := s.conversationGate(p, round)
	if err != nil {
		return nil, err
	}

	committed := len(p.Entries)
	if round <= committed {
		entry, err := s.store.EntryByRound(ctx, id, round)
		if err != nil {
			return nil, NewPersistenceError("load committed round", err)
		}
		if entry != nil {
			return &ChatResult{Round: round, Reply: entry.Reply, Stage: p.Stage(s.cfg.Rounds)}, nil
		}
		return nil, NewInvalidError(fmt.Sprintf("round %d out of order", round))
	}
	if round != committed+1 {
		return nil, NewInvalidError(fmt.Sprintf("round %d out of order, expected %d", round, committed+1))
	}

	systemInstruction := s.prompts.SystemInstruction(condition, p.ScreeningText)
	userTurn := fmt.Sprintf("Round %d user: %s", round, userText)

	reply, err := s.completer.Complete(ctx, systemInstruction, userTurn)
	if err != nil {
		return nil, NewUpstreamError("completion service failed", err)
	}

	entry := &models.ConversationEntry{
		ParticipantID: id,
		Round:         round,
		UserMessage:   userText,
		Reply:         reply,
		Ts:            time.Now().UTC(),
	}
	applied, err := s.store.AppendEntry(ctx, entry, committed)
	if err != nil {
		return nil, NewPersistenceError("append conversation entry", err)
	}
	if !applied {
		// A concurrent duplicate committed this round first; return its reply
		// so the retry is answered consistently.
		existing, err := s.store.EntryByRound(ctx, id, round)
		if err != nil {
			return nil, NewPersistenceError("load committed round", err)
		}
		if existing != nil {
			stage, err := s.stageOf(ctx, id)
			if err != nil {
				return nil, err
			}
			return &ChatResult{Round: round, Reply: existing.Reply, Stage: stage}, nil
		}
		return nil, NewConflictError("conversation advanced concurrently")
	}

	p.Entries = append(p.Entries, *entry)
	s.log.Info("Conversation round committed",
		zap.String("participant_id", id),
		zap.Int("round", round),
	)
	return &ChatResult{Round: round, Reply: reply, Stage: p.Stage(s.cfg.Rounds)}, nil
}

// Greeting generates the assistant opener for a round. Nothing is persisted;
// the opener is condition-dependent like the round replies.
func (s *SessionService) Greeting(ctx context.Context, id string, round int) (string, error) {
	if round < 1 {
		return "", NewInvalidError("round must be positive")
	}
	p, err := s.participant(ctx, id)
	if err != nil {
		return "", err
	}
	condition, err := s.conversationGate(p, round)
	if err != nil {
		return "", err
	}
	if len(p.Entries) >= s.cfg.Rounds {
		return "", NewInvalidError("conversation already finished")
	}
	if round > len(p.Entries)+1 {
		return "", NewInvalidError(fmt.Sprintf("round %d not reached yet", round))
	}

	systemInstruction := s.prompts.SystemInstruction(condition, p.ScreeningText)
	reply, err := s.completer.Complete(ctx, systemInstruction, s.prompts.GreetingInstruction(round))
	if err != nil {
		return "", NewUpstreamError("completion service failed", err)
	}
	return reply, nil
}

// Complete records the post-test data and flips the completion flag exactly
// once. A replay after completion is a no-op ack.
func (s *SessionService) Complete(ctx context.Context, id string, postUse int, postChange string) (models.SessionStage, error) {
	if !utils.ValidScore(postUse) {
		return "", NewInvalidError("post_use must be between 0 and 100")
	}
	if strings.TrimSpace(postChange) == "" {
		return "", NewInvalidError("post_change required")
	}

	p, err := s.participant(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Excluded {
		return "", NewInvalidError("participant was excluded at screening")
	}
	if p.Completed {
		return models.StageCompleted, nil
	}
	if !s.cfg.LenientStages && len(p.Entries) < s.cfg.Rounds {
		return "", NewInvalidError("conversation rounds not finished")
	}

	applied, err := s.store.MarkCompleted(ctx, id, postUse, postChange)
	if err != nil {
		return "", NewPersistenceError("mark completed", err)
	}
	if !applied {
		// Either a concurrent retry completed first (benign) or the record
		// became excluded; re-derive and report.
		return s.stageOf(ctx, id)
	}

	s.log.Info("Participant completed study", zap.String("participant_id", id))
	return models.StageCompleted, nil
}

// State returns the server-derived session state. This is the ground truth
// the client progress cache reconciles against on resume.
func (s *SessionService) State(ctx context.Context, id string) (*StateResult, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StateResult{
		ParticipantID:   p.ID,
		Stage:           p.Stage(s.cfg.Rounds),
		Condition:       p.Condition,
		RoundsCommitted: len(p.Entries),
		RoundsTotal:     s.cfg.Rounds,
		ItemOrder:       p.ItemOrder,
		Excluded:        p.Excluded,
		Completed:       p.Completed,
	}, nil
}

// participant loads the record or classifies the failure.
func (s *SessionService) participant(ctx context.Context, id string) (*models.Participant, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewInvalidError("participant_id required")
	}
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return nil, NewPersistenceError("load participant", err)
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	return p, nil
}

// conversationGate checks that a conversation turn is allowed at all and
// resolves the condition to use for it. Strict mode requires an assigned
// condition; lenient mode falls back to control for unassigned participants,
// matching the original deployment.
func (s *SessionService) conversationGate(p *models.Participant, round int) (models.Condition, error) {
	if p.Excluded {
		return "", NewInvalidError("participant was excluded at screening")
	}
	if p.Completed {
		return "", NewInvalidError("study already completed")
	}
	if round > s.cfg.Rounds {
		return "", NewInvalidError(fmt.Sprintf("conversation has only %d rounds", s.cfg.Rounds))
	}
	if p.Condition == nil {
		if s.cfg.LenientStages {
			return models.ConditionControl, nil
		}
		return "", NewInvalidError("screening not completed")
	}
	return *p.Condition, nil
}

func (s *SessionService) screenVerdict(p *models.Participant) *ScreenResult {
	return &ScreenResult{
		Excluded:  p.Excluded,
		Condition: p.Condition,
		Stage:     p.Stage(s.cfg.Rounds),
	}
}

func (s *SessionService) stageOf(ctx context.Context, id string) (models.SessionStage, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Stage(s.cfg.Rounds), nil
}

func applyDemographics(p *models.Participant, d models.Demographics) {
	p.AgeCategory = d.AgeCategory
	p.Gender = d.Gender
	p.Nationality = d.Nationality
	p.Education = d.Education
	p.Occupation = d.Occupation
	p.RecruitmentExperience = d.RecruitmentExperience
	p.RecruitmentRole = d.RecruitmentRole
}
