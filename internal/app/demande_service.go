/**
 * @description
 * Lifecycle manager for onboarding requests (demandes). It owns the state machine
 * RECEIVED -> ANALYZING -> {APPROVED, MANUAL_REVIEW, REJECTED} -> ... -> EXPIRED,
 * runs the risk engine and enqueues the outbound events of every decision in the
 * same storage transaction as the status change.
 *
 * Key features:
 * - Every transition is a compare-and-set on (id, expected status). A lost race is
 *   logged and reported as a no-op, never as an error.
 * - Replays of the same inbound event return the stored record.
 * - Terminal statuses are absorbing.
 *
 * @dependencies
 * - internal/risk: scoring.
 * - internal/store: persistence and outbox.
 * - github.com/oklog/ulid/v2: ids of outbound events.
 * - go.uber.org/zap: structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/bus"
	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/risk"
	"github.com/transfa/lifecycle-service/internal/store"
)

// maxCASAttempts bounds the re-read loop after a lost compare-and-set.
const maxCASAttempts = 3

// DemandeServiceConfig carries the tunables of the demande lifecycle.
type DemandeServiceConfig struct {
	Exchange       string
	TTL            time.Duration
	VelocityWindow time.Duration
	LimitsByRisk   map[domain.RiskLevel]domain.Limits
}

// DemandeService provides the onboarding request lifecycle.
type DemandeService struct {
	repo      store.DemandeRepository
	engine    *risk.Engine
	cfg       DemandeServiceConfig
	analytics AnalyticsSink
	logger    *zap.Logger
	now       func() time.Time
}

// NewDemandeService creates a new demande lifecycle manager.
func NewDemandeService(repo store.DemandeRepository, engine *risk.Engine, cfg DemandeServiceConfig, analytics AnalyticsSink, logger *zap.Logger) *DemandeService {
	if cfg.Exchange == "" {
		cfg.Exchange = bus.DefaultExchange
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = 30 * 24 * time.Hour
	}
	if analytics == nil {
		analytics = NoopAnalytics{}
	}
	return &DemandeService{
		repo:      repo,
		engine:    engine,
		cfg:       cfg,
		analytics: analytics,
		logger:    logger.With(zap.String("component", "demande_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *DemandeService) SetClock(now func() time.Time) {
	s.now = now
}

// Receive validates an inbound registration and creates a RECEIVED demande.
func (s *DemandeService) Receive(ctx context.Context, ev domain.UserRegistrationEvent) (*domain.Demande, error) {
	ev = normalizeRegistration(ev)
	if err := validateRegistration(ev); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindDemandeByEventID(ctx, ev.EventID)
	if err == nil {
		s.logger.Info("registration replayed; returning stored demande", zap.String("event_id", ev.EventID), zap.String("demande_id", existing.ID.String()))
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup demande by event id: %w", err)
	}

	if err := s.ensureNoActiveDemande(ctx, ev); err != nil {
		return nil, err
	}

	now := s.now()
	d := &domain.Demande{
		ID:            uuid.New(),
		EventID:       ev.EventID,
		IDClient:      ev.IDClient,
		IDAgence:      ev.IDAgence,
		Cni:           ev.Cni,
		Email:         ev.Email,
		Nom:           ev.Nom,
		Prenom:        ev.Prenom,
		Numero:        ev.Numero,
		RectoCni:      ev.RectoCni,
		VersoCni:      ev.VersoCni,
		SourceService: ev.SourceService,
		Status:        domain.DemandeReceived,
		FraudFlags:    []string{},
		ActionHistory: []domain.ActionEntry{},
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.TTL),

		DocumentQuality: ev.DocumentQuality,
	}

	created, err := s.repo.CreateDemande(ctx, d)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrEventAlreadyRecorded):
		return s.repo.FindDemandeByEventID(ctx, ev.EventID)
	case errors.Is(err, store.ErrIdentityInFlight):
		s.logger.Warn("duplicate in-flight demande", zap.String("event_id", ev.EventID))
		return nil, domain.ErrDuplicateRequest
	default:
		return nil, fmt.Errorf("create demande: %w", err)
	}

	demandeTransitionsTotal.WithLabelValues(string(domain.DemandeReceived)).Inc()
	s.logger.Info("demande received", zap.String("demande_id", created.ID.String()), zap.String("event_id", created.EventID))
	return created, nil
}

func (s *DemandeService) ensureNoActiveDemande(ctx context.Context, ev domain.UserRegistrationEvent) error {
	if d, err := s.repo.FindInFlightByCni(ctx, ev.Cni); err == nil {
		s.logger.Warn("duplicate in-flight demande for cni", zap.String("event_id", ev.EventID), zap.String("existing_id", d.ID.String()), zap.String("existing_status", string(d.Status)))
		return domain.ErrDuplicateRequest
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup in-flight demande by cni: %w", err)
	}

	if d, err := s.repo.FindInFlightByEmail(ctx, ev.Email); err == nil {
		s.logger.Warn("duplicate in-flight demande for email", zap.String("event_id", ev.EventID), zap.String("existing_id", d.ID.String()), zap.String("existing_status", string(d.Status)))
		return domain.ErrDuplicateRequest
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup in-flight demande by email: %w", err)
	}
	return nil
}

// Analyze moves a demande through analysis to its automatic decision. It is safe
// to call repeatedly; decided demandes are returned unchanged.
func (s *DemandeService) Analyze(ctx context.Context, id uuid.UUID) (*domain.Demande, error) {
	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		switch d.Status {
		case domain.DemandeReceived:
			d, err = s.startAnalysis(ctx, d)
		case domain.DemandeAnalyzing:
			d, err = s.decide(ctx, d)
		default:
			if attempt == 0 {
				s.logger.Info("analyze skipped; demande already decided", zap.String("demande_id", id.String()), zap.String("status", string(d.Status)))
			}
			return d, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (s *DemandeService) startAnalysis(ctx context.Context, d *domain.Demande) (*domain.Demande, error) {
	next, err := s.repo.TransitionDemande(ctx, d.ID, store.DemandeTransition{
		From:   domain.DemandeReceived,
		To:     domain.DemandeAnalyzing,
		Action: s.action(domain.ActionAnalysisStarted, "risk analysis started", domain.ActorLifecycle),
	})
	if errors.Is(err, store.ErrStaleState) {
		return s.reloadAfterRace(ctx, d.ID, "start_analysis")
	}
	if err != nil {
		return nil, fmt.Errorf("start analysis: %w", err)
	}
	demandeTransitionsTotal.WithLabelValues(string(domain.DemandeAnalyzing)).Inc()
	return next, nil
}

func (s *DemandeService) decide(ctx context.Context, d *domain.Demande) (*domain.Demande, error) {
	result := s.engine.Score(s.attributes(ctx, d))
	now := s.now()
	riskScoreHistogram.WithLabelValues(string(result.Level)).Observe(float64(result.Score))

	apply := func(target *domain.Demande) {
		target.RiskScore = result.Score
		target.RiskLevel = result.Level
		target.FraudFlags = append([]string(nil), result.Flags...)
		target.RequiresManualReview = result.RequiresManualReview
		target.AnalyzedAt = domain.TimePtr(now)
	}

	var t store.DemandeTransition
	if flag, blocked := result.Blocking(); blocked {
		reason := "blocked by fraud control: " + flag
		t = store.DemandeTransition{
			From: domain.DemandeAnalyzing,
			To:   domain.DemandeRejected,
			Apply: func(target *domain.Demande) {
				apply(target)
				target.RejectionReason = domain.StringPtr(reason)
			},
			Action: s.action(domain.ActionAutoRejected, reason, domain.ActorLifecycle),
		}
		decided := d.Clone()
		t.Apply(decided)
		t.Events = s.rejectionEvents(decided, reason, now)
	} else if result.Level.AutoApprovable() && !result.RequiresManualReview {
		limits := s.limitsFor(result.Level)
		t = store.DemandeTransition{
			From: domain.DemandeAnalyzing,
			To:   domain.DemandeApproved,
			Apply: func(target *domain.Demande) {
				apply(target)
				target.Limits = &limits
				target.ApprovedAt = domain.TimePtr(now)
			},
			Action: s.action(domain.ActionAutoApproved, fmt.Sprintf("auto-approved with score %d (%s)", result.Score, result.Level), domain.ActorLifecycle),
		}
		decided := d.Clone()
		t.Apply(decided)
		t.Events = s.approvalEvents(decided, now)
	} else {
		t = store.DemandeTransition{
			From: domain.DemandeAnalyzing,
			To:   domain.DemandeManualReview,
			Apply: func(target *domain.Demande) {
				apply(target)
				target.RequiresManualReview = true
			},
			Action: s.action(domain.ActionSentToReview, fmt.Sprintf("manual review required: score %d (%s)", result.Score, result.Level), domain.ActorLifecycle),
		}
	}

	next, err := s.repo.TransitionDemande(ctx, d.ID, t)
	if errors.Is(err, store.ErrStaleState) {
		return s.reloadAfterRace(ctx, d.ID, "decide")
	}
	if err != nil {
		return nil, fmt.Errorf("record analysis decision: %w", err)
	}

	s.observe(ctx, next)
	s.logger.Info("demande analyzed",
		zap.String("demande_id", next.ID.String()),
		zap.String("status", string(next.Status)),
		zap.Int("risk_score", next.RiskScore),
		zap.String("risk_level", string(next.RiskLevel)),
		zap.Strings("fraud_flags", next.FraudFlags),
	)
	return next, nil
}

// attributes gathers the scoring inputs. History lookups that fail leave
// HistoryAvailable false so the engine degrades instead of failing.
func (s *DemandeService) attributes(ctx context.Context, d *domain.Demande) risk.Attributes {
	attrs := risk.Attributes{
		Cni:      d.Cni,
		Email:    d.Email,
		Numero:   d.Numero,
		Nom:      d.Nom,
		Prenom:   d.Prenom,
		IDAgence: d.IDAgence,
		RectoCni: d.RectoCni,
		VersoCni: d.VersoCni,

		DocumentQuality: d.DocumentQuality,
	}

	since := d.CreatedAt.Add(-s.cfg.VelocityWindow)
	byEmail, err := s.repo.CountRecentDemandesByEmail(ctx, d.Email, since, d.ID)
	if err != nil {
		s.logger.Warn("velocity lookup by email failed", zap.String("demande_id", d.ID.String()), zap.Error(err))
		return attrs
	}
	byAgency := 0
	if d.IDAgence != "" {
		byAgency, err = s.repo.CountRecentDemandesByAgency(ctx, d.IDAgence, since, d.ID)
		if err != nil {
			s.logger.Warn("velocity lookup by agency failed", zap.String("demande_id", d.ID.String()), zap.Error(err))
			return attrs
		}
	}
	attrs.PriorRequestsByEmail = byEmail
	attrs.PriorRequestsByAgency = byAgency
	attrs.HistoryAvailable = true
	return attrs
}

// AssignReviewer records who is in charge of a demande under manual review.
func (s *DemandeService) AssignReviewer(ctx context.Context, id uuid.UUID, reviewerID, assignedBy string) (*domain.Demande, error) {
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return nil, (&domain.ValidationError{}).Add("reviewerId", "is required")
	}
	if strings.TrimSpace(assignedBy) == "" {
		assignedBy = reviewerID
	}

	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DemandeManualReview {
		return d, domain.ErrInvalidStateTransition
	}
	if d.AssignedReviewer != nil && *d.AssignedReviewer == reviewerID {
		return d, nil
	}

	next, err := s.repo.TransitionDemande(ctx, id, store.DemandeTransition{
		From: domain.DemandeManualReview,
		To:   domain.DemandeManualReview,
		Apply: func(target *domain.Demande) {
			target.AssignedReviewer = domain.StringPtr(reviewerID)
		},
		Action: s.action(domain.ActionReviewerAssigned, "assigned to "+reviewerID, assignedBy),
	})
	if errors.Is(err, store.ErrStaleState) {
		current, reloadErr := s.reloadAfterRace(ctx, id, "assign_reviewer")
		if reloadErr != nil {
			return nil, reloadErr
		}
		return current, domain.ErrInvalidStateTransition
	}
	if err != nil {
		return nil, fmt.Errorf("assign reviewer: %w", err)
	}
	s.logger.Info("reviewer assigned", zap.String("demande_id", id.String()), zap.String("reviewer", reviewerID), zap.String("assigned_by", assignedBy))
	return next, nil
}

// DecideManualReview applies a reviewer's decision. The current record is returned
// with ErrInvalidStateTransition when the demande is not under review, unless the
// same decision was already recorded by the same reviewer.
func (s *DemandeService) DecideManualReview(ctx context.Context, id uuid.UUID, reviewerID string, approve bool, notes string) (*domain.Demande, error) {
	reviewerID = strings.TrimSpace(reviewerID)
	notes = strings.TrimSpace(notes)
	verr := &domain.ValidationError{}
	if reviewerID == "" {
		verr.Add("reviewerId", "is required")
	}
	if !approve && notes == "" {
		verr.Add("notes", "a reason is required to reject")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DemandeManualReview {
		if sameDecisionRecorded(d, reviewerID, approve) {
			return d, nil
		}
		s.logger.Warn("manual decision rejected; demande not under review", zap.String("demande_id", id.String()), zap.String("status", string(d.Status)))
		return d, domain.ErrInvalidStateTransition
	}
	if d.AssignedReviewer != nil && *d.AssignedReviewer != reviewerID {
		s.logger.Warn("manual decision by non-assigned reviewer", zap.String("demande_id", id.String()), zap.String("reviewer", reviewerID))
		return nil, domain.ErrReviewerMismatch
	}

	now := s.now()
	var t store.DemandeTransition
	if approve {
		level := d.RiskLevel
		if level == "" {
			level = domain.RiskCritical
		}
		limits := s.limitsFor(level)
		t = store.DemandeTransition{
			From: domain.DemandeManualReview,
			To:   domain.DemandeApproved,
			Apply: func(target *domain.Demande) {
				target.Limits = &limits
				target.ApprovedAt = domain.TimePtr(now)
				target.AssignedReviewer = domain.StringPtr(reviewerID)
				if notes != "" {
					target.ReviewerNotes = domain.StringPtr(notes)
				}
			},
			Action: s.action(domain.ActionManualApproved, describeDecision("approved", notes), reviewerID),
		}
		decided := d.Clone()
		t.Apply(decided)
		t.Events = s.approvalEvents(decided, now)
	} else {
		t = store.DemandeTransition{
			From: domain.DemandeManualReview,
			To:   domain.DemandeRejected,
			Apply: func(target *domain.Demande) {
				target.RejectionReason = domain.StringPtr(notes)
				target.ReviewerNotes = domain.StringPtr(notes)
				target.AssignedReviewer = domain.StringPtr(reviewerID)
			},
			Action: s.action(domain.ActionManualRejected, describeDecision("rejected", notes), reviewerID),
		}
		decided := d.Clone()
		t.Apply(decided)
		t.Events = s.rejectionEvents(decided, notes, now)
	}

	next, err := s.repo.TransitionDemande(ctx, id, t)
	if errors.Is(err, store.ErrStaleState) {
		current, reloadErr := s.reloadAfterRace(ctx, id, "manual_decision")
		if reloadErr != nil {
			return nil, reloadErr
		}
		if sameDecisionRecorded(current, reviewerID, approve) {
			return current, nil
		}
		return current, domain.ErrInvalidStateTransition
	}
	if err != nil {
		return nil, fmt.Errorf("record manual decision: %w", err)
	}

	s.observe(ctx, next)
	s.logger.Info("manual decision recorded", zap.String("demande_id", id.String()), zap.String("status", string(next.Status)), zap.String("reviewer", reviewerID))
	return next, nil
}

func sameDecisionRecorded(d *domain.Demande, reviewerID string, approve bool) bool {
	last, ok := d.LastAction()
	if !ok || last.PerformedBy != reviewerID {
		return false
	}
	if approve {
		return d.Status == domain.DemandeApproved && last.ActionType == domain.ActionManualApproved
	}
	return d.Status == domain.DemandeRejected && last.ActionType == domain.ActionManualRejected
}

func describeDecision(verb, notes string) string {
	if notes == "" {
		return "manually " + verb
	}
	return "manually " + verb + ": " + notes
}

// Expire moves a non-terminal demande past its deadline to EXPIRED. It reports
// whether this call performed the transition.
func (s *DemandeService) Expire(ctx context.Context, id uuid.UUID) (*domain.Demande, bool, error) {
	d, err := s.find(ctx, id)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.now()
		if d.Status.IsTerminal() || !now.After(d.ExpiresAt) {
			return d, false, nil
		}
		previous := d.Status
		next, err := s.repo.TransitionDemande(ctx, id, store.DemandeTransition{
			From:   previous,
			To:     domain.DemandeExpired,
			Action: s.action(domain.ActionExpired, "expired without a decision while "+string(previous), domain.ActorSweeper),
			Events: []store.OutboundMessage{s.amqp(bus.RoutingDemandeExpired, domain.DemandeExpiredEvent{
				EventID:        newEventID(),
				DemandeID:      d.ID.String(),
				IDClient:       d.IDClient,
				IDAgence:       d.IDAgence,
				PreviousStatus: previous,
				Timestamp:      now,
			})},
		})
		if errors.Is(err, store.ErrStaleState) {
			staleTransitionsTotal.WithLabelValues("demande").Inc()
			if d, err = s.find(ctx, id); err != nil {
				return nil, false, err
			}
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("expire demande: %w", err)
		}
		s.observe(ctx, next)
		s.logger.Info("demande expired", zap.String("demande_id", id.String()), zap.String("previous_status", string(previous)))
		return next, true, nil
	}
	return d, false, nil
}

// Get returns a demande by id.
func (s *DemandeService) Get(ctx context.Context, id uuid.UUID) (*domain.Demande, error) {
	return s.find(ctx, id)
}

// GetByEventID returns the demande created by the given inbound event.
func (s *DemandeService) GetByEventID(ctx context.Context, eventID string) (*domain.Demande, error) {
	d, err := s.repo.FindDemandeByEventID(ctx, strings.TrimSpace(eventID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (s *DemandeService) find(ctx context.Context, id uuid.UUID) (*domain.Demande, error) {
	d, err := s.repo.FindDemandeByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load demande: %w", err)
	}
	return d, nil
}

func (s *DemandeService) reloadAfterRace(ctx context.Context, id uuid.UUID, op string) (*domain.Demande, error) {
	staleTransitionsTotal.WithLabelValues("demande").Inc()
	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("concurrent transition won; no-op", zap.String("demande_id", id.String()), zap.String("operation", op), zap.String("status", string(d.Status)))
	return d, nil
}

func (s *DemandeService) limitsFor(level domain.RiskLevel) domain.Limits {
	if l, ok := s.cfg.LimitsByRisk[level]; ok {
		return l
	}
	return domain.Limits{}
}

func (s *DemandeService) action(t domain.ActionType, description, actor string) domain.ActionEntry {
	return domain.ActionEntry{ActionType: t, Description: description, PerformedBy: actor, Timestamp: s.now()}
}

func (s *DemandeService) amqp(routingKey string, payload interface{}) store.OutboundMessage {
	return store.OutboundMessage{Channel: store.ChannelAMQP, Exchange: s.cfg.Exchange, RoutingKey: routingKey, Payload: payload}
}

func (s *DemandeService) approvalEvents(d *domain.Demande, now time.Time) []store.OutboundMessage {
	limits := domain.Limits{}
	if d.Limits != nil {
		limits = *d.Limits
	}
	return []store.OutboundMessage{
		s.amqp(bus.RoutingDemandeApproved, domain.DemandeApprovedEvent{
			EventID:   newEventID(),
			DemandeID: d.ID.String(),
			IDClient:  d.IDClient,
			IDAgence:  d.IDAgence,
			Email:     d.Email,
			RiskScore: d.RiskScore,
			RiskLevel: d.RiskLevel,
			Limits:    limits,
			Timestamp: now,
		}),
		s.amqp(bus.RoutingWelcomeNotification, domain.WelcomeNotificationEvent{
			EventID:   newEventID(),
			DemandeID: d.ID.String(),
			IDClient:  d.IDClient,
			Email:     d.Email,
			Nom:       d.Nom,
			Prenom:    d.Prenom,
			Limits:    limits,
			Timestamp: now,
		}),
	}
}

func (s *DemandeService) rejectionEvents(d *domain.Demande, reason string, now time.Time) []store.OutboundMessage {
	return []store.OutboundMessage{
		s.amqp(bus.RoutingDemandeRejected, domain.DemandeRejectedEvent{
			EventID:    newEventID(),
			DemandeID:  d.ID.String(),
			IDClient:   d.IDClient,
			IDAgence:   d.IDAgence,
			Reason:     reason,
			FraudFlags: append([]string{}, d.FraudFlags...),
			Timestamp:  now,
		}),
		s.amqp(bus.RoutingRejectionNotification, domain.RejectionNotificationEvent{
			EventID:   newEventID(),
			DemandeID: d.ID.String(),
			IDClient:  d.IDClient,
			Email:     d.Email,
			Nom:       d.Nom,
			Prenom:    d.Prenom,
			Reason:    reason,
			Timestamp: now,
		}),
	}
}

func (s *DemandeService) observe(ctx context.Context, d *domain.Demande) {
	demandeTransitionsTotal.WithLabelValues(string(d.Status)).Inc()
	s.analytics.Record(ctx, AnalyticsEvent{
		Machine:   "demande",
		ID:        d.ID.String(),
		Status:    string(d.Status),
		RiskLevel: string(d.RiskLevel),
		RiskScore: d.RiskScore,
		At:        s.now(),
	})
}

func newEventID() string {
	return ulid.Make().String()
}

func normalizeRegistration(ev domain.UserRegistrationEvent) domain.UserRegistrationEvent {
	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.IDClient = strings.TrimSpace(ev.IDClient)
	ev.IDAgence = strings.TrimSpace(ev.IDAgence)
	ev.Cni = strings.TrimSpace(ev.Cni)
	ev.Email = strings.ToLower(strings.TrimSpace(ev.Email))
	ev.Nom = strings.TrimSpace(ev.Nom)
	ev.Prenom = strings.TrimSpace(ev.Prenom)
	ev.Numero = strings.TrimSpace(ev.Numero)
	ev.RectoCni = strings.TrimSpace(ev.RectoCni)
	ev.VersoCni = strings.TrimSpace(ev.VersoCni)
	ev.SourceService = strings.TrimSpace(ev.SourceService)
	return ev
}

func validateRegistration(ev domain.UserRegistrationEvent) error {
	verr := &domain.ValidationError{}
	required := map[string]string{
		"eventId":  ev.EventID,
		"idClient": ev.IDClient,
		"cni":      ev.Cni,
		"email":    ev.Email,
		"nom":      ev.Nom,
		"prenom":   ev.Prenom,
	}
	for field, value := range required {
		if value == "" {
			verr.Add(field, "is required")
		}
	}
	if ev.Email != "" && !strings.Contains(ev.Email, "@") {
		verr.Add("email", "must be an email address")
	}
	if ev.DocumentQuality != nil && (*ev.DocumentQuality < 0 || *ev.DocumentQuality > 1) {
		verr.Add("documentQuality", "must be between 0 and 1")
	}
	return verr.OrNil()
}
