package tuition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pirouette-hq/pirouette/internal/payments"
	"github.com/pirouette-hq/pirouette/internal/shared"
	"github.com/pirouette-hq/pirouette/internal/studios"
)

// BillingIdentity resolves a family to its processor customer. Satisfied by
// studios.IdentityCache.
type BillingIdentity interface {
	GetCustomerRef(ctx context.Context, studioID, familyID int64) (string, error)
	SaveCustomerRef(ctx context.Context, studioID, familyID int64, customerRef string) (string, error)
}

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config collects the Service dependencies.
type Config struct {
	Repo      Repository
	Directory studios.Directory
	Identity  BillingIdentity
	Processor payments.Processor
	Audit     AuditRecorder
	Logger    *slog.Logger
}

// Service handles tuition plan business logic.
type Service struct {
	repo      Repository
	directory studios.Directory
	identity  BillingIdentity
	processor payments.Processor
	audit     AuditRecorder
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService builds Service instance.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      cfg.Repo,
		directory: cfg.Directory,
		identity:  cfg.Identity,
		processor: cfg.Processor,
		audit:     cfg.Audit,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// CreatePlanRequest carries the admin's plan parameters.
type CreatePlanRequest struct {
	FamilyID  int64
	StudentID int64
	Name      string
	Amount    int64
	Interval  payments.Interval
}

// CreatePlanResult is the new plan plus the client secret needed to
// confirm the first payment in the browser.
type CreatePlanResult struct {
	Plan         *Plan
	ClientSecret string
}

// Create provisions a processor subscription and records the plan. The
// studio must have completed processor onboarding first.
func (s *Service) Create(ctx context.Context, actor shared.Actor, req CreatePlanRequest) (*CreatePlanResult, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("plan name is required: %w", shared.ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("plan amount must be positive: %w", shared.ErrValidation)
	}
	if req.Interval != payments.IntervalMonth && req.Interval != payments.IntervalYear {
		return nil, fmt.Errorf("interval must be month or year: %w", shared.ErrValidation)
	}

	settings, err := s.directory.GetSettings(ctx, actor.StudioID)
	if err != nil {
		return nil, err
	}
	if !settings.ProcessorOnboarded {
		return nil, fmt.Errorf("studio has not completed payment processor onboarding: %w", shared.ErrPreconditionFailed)
	}

	family, err := s.directory.GetFamily(ctx, actor.StudioID, req.FamilyID)
	if err != nil {
		return nil, err
	}

	customerRef, err := s.ensureCustomer(ctx, actor.StudioID, family)
	if err != nil {
		return nil, err
	}

	priceRef, err := s.processor.CreatePrice(ctx, payments.CreatePriceInput{
		Name:     req.Name,
		Amount:   req.Amount,
		Interval: req.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("processor price creation failed: %v: %w", err, shared.ErrInternal)
	}

	sub, err := s.processor.CreateSubscription(ctx, payments.CreateSubscriptionInput{
		CustomerRef: customerRef,
		PriceRef:    priceRef,
		StudioID:    actor.StudioID,
		PlanName:    req.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("processor subscription creation failed: %v: %w", err, shared.ErrInternal)
	}

	plan, err := s.repo.Create(ctx, CreatePlanInput{
		StudioID:           actor.StudioID,
		FamilyID:           req.FamilyID,
		StudentID:          req.StudentID,
		Name:               req.Name,
		Amount:             req.Amount,
		Interval:           string(req.Interval),
		SubscriptionRef:    sub.Ref,
		PriceRef:           priceRef,
		CurrentPeriodStart: sub.PeriodStart,
		CurrentPeriodEnd:   sub.PeriodEnd,
	})
	if err != nil {
		// The subscription exists at the processor but not locally. Cancel
		// it so the family is not billed for a plan we failed to record.
		if cancelErr := s.processor.CancelSubscription(ctx, sub.Ref, true); cancelErr != nil {
			s.logger.Error("orphaned subscription could not be cancelled",
				slog.String("subscription_ref", sub.Ref), slog.Any("error", cancelErr))
		}
		return nil, err
	}

	s.recordAudit(ctx, actor, "tuition.create", plan.ID, map[string]any{
		"family_id": req.FamilyID, "amount": req.Amount, "interval": string(req.Interval),
	})
	return &CreatePlanResult{Plan: plan, ClientSecret: sub.ClientSecret}, nil
}

func (s *Service) ensureCustomer(ctx context.Context, studioID int64, family *studios.Family) (string, error) {
	ref, err := s.identity.GetCustomerRef(ctx, studioID, family.ID)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, studios.ErrIdentityNotFound) {
		return "", err
	}

	created, err := s.processor.CreateCustomer(ctx, payments.CreateCustomerInput{
		Email:    family.Email,
		Name:     family.Name,
		StudioID: studioID,
		FamilyID: family.ID,
	})
	if err != nil {
		return "", fmt.Errorf("processor customer creation failed: %v: %w", err, shared.ErrInternal)
	}
	// Save returns the canonical ref: if a concurrent create won the race
	// we use theirs and ours becomes an unused customer record.
	return s.identity.SaveCustomerRef(ctx, studioID, family.ID, created)
}

// Cancel ends a plan. Staff only. With immediately the subscription stops
// now; otherwise it keeps billing until the current period ends.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, planID int64, immediately bool) (*Plan, error) {
	plan, err := s.repo.Get(ctx, actor.StudioID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status == StatusCancelled {
		return nil, fmt.Errorf("plan is already cancelled: %w", shared.ErrPreconditionFailed)
	}
	if !immediately && plan.CancelAtPeriodEnd {
		return nil, fmt.Errorf("plan is already set to cancel: %w", shared.ErrPreconditionFailed)
	}

	if err := s.processor.CancelSubscription(ctx, plan.SubscriptionRef, immediately); err != nil {
		return nil, fmt.Errorf("processor cancel failed: %v: %w", err, shared.ErrInternal)
	}
	if immediately {
		if err := s.repo.MarkCancelled(ctx, actor.StudioID, planID, s.clock()); err != nil {
			return nil, err
		}
	} else {
		if err := s.repo.SetCancelAtPeriodEnd(ctx, actor.StudioID, planID); err != nil {
			return nil, err
		}
	}
	s.recordAudit(ctx, actor, "tuition.cancel", planID, map[string]any{"immediately": immediately})
	return s.repo.Get(ctx, actor.StudioID, planID)
}

// Pause stops collection without ending the subscription.
func (s *Service) Pause(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error) {
	plan, err := s.repo.Get(ctx, actor.StudioID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusActive {
		return nil, fmt.Errorf("only active plans can be paused: %w", shared.ErrPreconditionFailed)
	}

	if err := s.processor.PauseSubscription(ctx, plan.SubscriptionRef); err != nil {
		return nil, fmt.Errorf("processor pause failed: %v: %w", err, shared.ErrInternal)
	}
	if err := s.repo.MarkPaused(ctx, actor.StudioID, planID, s.clock()); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "tuition.pause", planID, nil)
	return s.repo.Get(ctx, actor.StudioID, planID)
}

// Resume restarts collection on a paused plan.
func (s *Service) Resume(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error) {
	plan, err := s.repo.Get(ctx, actor.StudioID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusPaused {
		return nil, fmt.Errorf("only paused plans can be resumed: %w", shared.ErrPreconditionFailed)
	}

	if err := s.processor.ResumeSubscription(ctx, plan.SubscriptionRef); err != nil {
		return nil, fmt.Errorf("processor resume failed: %v: %w", err, shared.ErrInternal)
	}
	if err := s.repo.MarkResumed(ctx, actor.StudioID, planID); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "tuition.resume", planID, nil)
	return s.repo.Get(ctx, actor.StudioID, planID)
}

// RequestCancel lets a parent end their own plan at the period boundary.
// The plan keeps billing until then.
func (s *Service) RequestCancel(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error) {
	plan, err := s.getScoped(ctx, actor, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusActive {
		return nil, fmt.Errorf("only active plans can request cancellation: %w", shared.ErrPreconditionFailed)
	}
	if plan.CancelAtPeriodEnd {
		return nil, fmt.Errorf("plan is already set to cancel: %w", shared.ErrPreconditionFailed)
	}

	if err := s.processor.CancelSubscription(ctx, plan.SubscriptionRef, false); err != nil {
		return nil, fmt.Errorf("processor cancel failed: %v: %w", err, shared.ErrInternal)
	}
	if err := s.repo.SetCancelAtPeriodEnd(ctx, actor.StudioID, planID); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor, "tuition.request_cancel", planID, nil)
	return s.repo.Get(ctx, actor.StudioID, planID)
}

// Get returns one plan. Parents only see their own family's.
func (s *Service) Get(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error) {
	return s.getScoped(ctx, actor, planID)
}

// List returns the studio's plans. Parents are forced onto their own
// family filter.
func (s *Service) List(ctx context.Context, actor shared.Actor, familyID *int64, status *PlanStatus, page, perPage int) ([]Plan, shared.Pagination, error) {
	if !actor.IsStaff() {
		familyID = &actor.FamilyID
	}
	p := shared.NewPagination(page, perPage, 0)
	plans, total, err := s.repo.List(ctx, ListPlansRequest{
		StudioID: actor.StudioID,
		FamilyID: familyID,
		Status:   status,
		Limit:    p.PerPage,
		Offset:   p.Offset(),
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return plans, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Stats summarises the studio's tuition plans.
func (s *Service) Stats(ctx context.Context, actor shared.Actor) (*Stats, error) {
	return s.repo.Stats(ctx, actor.StudioID)
}

func (s *Service) getScoped(ctx context.Context, actor shared.Actor, planID int64) (*Plan, error) {
	plan, err := s.repo.Get(ctx, actor.StudioID, planID)
	if err != nil {
		return nil, err
	}
	if !actor.IsStaff() && plan.FamilyID != actor.FamilyID {
		return nil, fmt.Errorf("tuition plan: %w", shared.ErrNotFound)
	}
	return plan, nil
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, planID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		StudioID: actor.StudioID,
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "tuition_plan",
		EntityID: strconv.FormatInt(planID, 10),
		Meta:     meta,
		At:       s.clock(),
	})
	if err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}
