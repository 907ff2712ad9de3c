package tuition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pirouette-hq/pirouette/internal/payments"
	"github.com/pirouette-hq/pirouette/internal/shared"
	"github.com/pirouette-hq/pirouette/internal/studios"
)

type memoryPlanRepo struct {
	seq   int64
	plans map[int64]*Plan
}

func newMemoryPlanRepo() *memoryPlanRepo {
	return &memoryPlanRepo{plans: map[int64]*Plan{}}
}

func (m *memoryPlanRepo) Create(_ context.Context, in CreatePlanInput) (*Plan, error) {
	m.seq++
	p := &Plan{
		ID:                 m.seq,
		StudioID:           in.StudioID,
		FamilyID:           in.FamilyID,
		StudentID:          in.StudentID,
		Name:               in.Name,
		Amount:             in.Amount,
		Interval:           payments.Interval(in.Interval),
		Status:             StatusActive,
		SubscriptionRef:    in.SubscriptionRef,
		PriceRef:           in.PriceRef,
		CurrentPeriodStart: in.CurrentPeriodStart,
		CurrentPeriodEnd:   in.CurrentPeriodEnd,
	}
	m.plans[p.ID] = p
	return m.copyOf(p), nil
}

func (m *memoryPlanRepo) Get(_ context.Context, studioID, id int64) (*Plan, error) {
	p, ok := m.plans[id]
	if !ok || p.StudioID != studioID {
		return nil, fmt.Errorf("tuition plan: %w", shared.ErrNotFound)
	}
	return m.copyOf(p), nil
}

func (m *memoryPlanRepo) List(_ context.Context, req ListPlansRequest) ([]Plan, int, error) {
	var out []Plan
	for _, p := range m.plans {
		if p.StudioID != req.StudioID {
			continue
		}
		if req.FamilyID != nil && p.FamilyID != *req.FamilyID {
			continue
		}
		if req.Status != nil && p.Status != *req.Status {
			continue
		}
		out = append(out, *m.copyOf(p))
	}
	return out, len(out), nil
}

func (m *memoryPlanRepo) MarkPaused(_ context.Context, studioID, id int64, at time.Time) error {
	p, ok := m.plans[id]
	if !ok || p.StudioID != studioID || p.Status != StatusActive {
		return fmt.Errorf("tuition plan cannot change in its current state: %w", shared.ErrPreconditionFailed)
	}
	p.Status = StatusPaused
	p.PausedAt = &at
	return nil
}

func (m *memoryPlanRepo) MarkResumed(_ context.Context, studioID, id int64) error {
	p, ok := m.plans[id]
	if !ok || p.StudioID != studioID || p.Status != StatusPaused {
		return fmt.Errorf("tuition plan cannot change in its current state: %w", shared.ErrPreconditionFailed)
	}
	p.Status = StatusActive
	p.PausedAt = nil
	return nil
}

func (m *memoryPlanRepo) MarkCancelled(_ context.Context, studioID, id int64, at time.Time) error {
	p, ok := m.plans[id]
	if !ok || p.StudioID != studioID || p.Status == StatusCancelled {
		return fmt.Errorf("tuition plan cannot change in its current state: %w", shared.ErrPreconditionFailed)
	}
	p.Status = StatusCancelled
	p.CancelledAt = &at
	return nil
}

func (m *memoryPlanRepo) SetCancelAtPeriodEnd(_ context.Context, studioID, id int64) error {
	p, ok := m.plans[id]
	if !ok || p.StudioID != studioID || p.CancelAtPeriodEnd ||
		(p.Status != StatusActive && p.Status != StatusPastDue) {
		return fmt.Errorf("tuition plan cannot change in its current state: %w", shared.ErrPreconditionFailed)
	}
	p.CancelAtPeriodEnd = true
	return nil
}

func (m *memoryPlanRepo) Stats(_ context.Context, studioID int64) (*Stats, error) {
	s := &Stats{}
	for _, p := range m.plans {
		if p.StudioID != studioID {
			continue
		}
		switch p.Status {
		case StatusActive:
			s.ActiveCount++
			s.MRRCents += p.MonthlyAmount()
		case StatusPaused:
			s.PausedCount++
		case StatusPastDue:
			s.PastDueCount++
		case StatusCancelled:
			s.CancelledCount++
		}
	}
	return s, nil
}

func (m *memoryPlanRepo) copyOf(p *Plan) *Plan {
	clone := *p
	return &clone
}

type memoryIdentity struct {
	refs map[string]string
}

func identityKey(studioID, familyID int64) string {
	return fmt.Sprintf("%d:%d", studioID, familyID)
}

func (m *memoryIdentity) GetCustomerRef(_ context.Context, studioID, familyID int64) (string, error) {
	ref, ok := m.refs[identityKey(studioID, familyID)]
	if !ok {
		return "", studios.ErrIdentityNotFound
	}
	return ref, nil
}

func (m *memoryIdentity) SaveCustomerRef(_ context.Context, studioID, familyID int64, customerRef string) (string, error) {
	key := identityKey(studioID, familyID)
	if existing, ok := m.refs[key]; ok {
		return existing, nil
	}
	m.refs[key] = customerRef
	return customerRef, nil
}

type fakeDirectory struct {
	settings studios.Settings
	families map[int64]studios.Family
}

func (f *fakeDirectory) GetSettings(_ context.Context, studioID int64) (*studios.Settings, error) {
	s := f.settings
	s.StudioID = studioID
	return &s, nil
}

func (f *fakeDirectory) GetFamily(_ context.Context, studioID, familyID int64) (*studios.Family, error) {
	fam, ok := f.families[familyID]
	if !ok || fam.StudioID != studioID {
		return nil, fmt.Errorf("family: %w", shared.ErrNotFound)
	}
	return &fam, nil
}

func (f *fakeDirectory) CountActiveStudents(_ context.Context, _, _ int64) (int, error) {
	return 1, nil
}

func (f *fakeDirectory) ListBillingStudioIDs(_ context.Context) ([]int64, error) {
	return []int64{1}, nil
}

type scriptedProcessor struct {
	customers     int
	subscriptions int
	cancels       []struct {
		Ref         string
		Immediately bool
	}
	pauses  []string
	resumes []string

	subscribeErr error
	cancelErr    error
	pauseErr     error
	resumeErr    error
}

func (f *scriptedProcessor) CreateCustomer(context.Context, payments.CreateCustomerInput) (string, error) {
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *scriptedProcessor) CreatePrice(context.Context, payments.CreatePriceInput) (string, error) {
	return "price_test", nil
}

func (f *scriptedProcessor) CreateSubscription(context.Context, payments.CreateSubscriptionInput) (*payments.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscriptions++
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &payments.Subscription{
		Ref:          fmt.Sprintf("sub_%d", f.subscriptions),
		PeriodStart:  start,
		PeriodEnd:    start.AddDate(0, 1, 0),
		ClientSecret: "secret",
	}, nil
}

func (f *scriptedProcessor) CancelSubscription(_ context.Context, ref string, immediately bool) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, struct {
		Ref         string
		Immediately bool
	}{ref, immediately})
	return nil
}

func (f *scriptedProcessor) PauseSubscription(_ context.Context, ref string) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.pauses = append(f.pauses, ref)
	return nil
}

func (f *scriptedProcessor) ResumeSubscription(_ context.Context, ref string) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumes = append(f.resumes, ref)
	return nil
}

func (f *scriptedProcessor) Refund(context.Context, payments.RefundInput) (string, error) {
	return "re_test", nil
}

func (f *scriptedProcessor) CreatePaymentIntent(context.Context, payments.PaymentIntentInput) (*payments.PaymentIntent, error) {
	return &payments.PaymentIntent{Ref: "pi_test", ClientSecret: "secret"}, nil
}

type captureAudit struct {
	entries []shared.AuditLog
}

func (c *captureAudit) Record(_ context.Context, log shared.AuditLog) error {
	c.entries = append(c.entries, log)
	return nil
}

type tuitionFixture struct {
	svc       *Service
	repo      *memoryPlanRepo
	identity  *memoryIdentity
	directory *fakeDirectory
	processor *scriptedProcessor
	audit     *captureAudit
}

func newTuitionFixture(t *testing.T) *tuitionFixture {
	t.Helper()
	repo := newMemoryPlanRepo()
	identity := &memoryIdentity{refs: map[string]string{}}
	directory := &fakeDirectory{
		settings: studios.Settings{ProcessorOnboarded: true, ProcessorAccountID: "acct_test"},
		families: map[int64]studios.Family{
			10: {ID: 10, StudioID: 1, Name: "Alvarez", Email: "alvarez@example.com"},
		},
	}
	processor := &scriptedProcessor{}
	audit := &captureAudit{}
	svc := NewService(Config{
		Repo:      repo,
		Directory: directory,
		Identity:  identity,
		Processor: processor,
		Audit:     audit,
		Logger:    slog.New(slog.DiscardHandler),
	})
	svc.clock = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return &tuitionFixture{svc: svc, repo: repo, identity: identity, directory: directory, processor: processor, audit: audit}
}

func staffActor() shared.Actor {
	return shared.Actor{UserID: 7, StudioID: 1, Role: shared.RoleStaff}
}

func parentActor(familyID int64) shared.Actor {
	return shared.Actor{UserID: 42, StudioID: 1, FamilyID: familyID, Role: shared.RoleParent}
}

func monthlyPlan(t *testing.T, f *tuitionFixture, amount int64) *Plan {
	t.Helper()
	result, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID:  10,
		StudentID: 100,
		Name:      "Ballet Level 2",
		Amount:    amount,
		Interval:  payments.IntervalMonth,
	})
	require.NoError(t, err)
	return result.Plan
}

func TestCreateProvisionsSubscription(t *testing.T) {
	f := newTuitionFixture(t)

	result, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID:  10,
		StudentID: 100,
		Name:      "Ballet Level 2",
		Amount:    12000,
		Interval:  payments.IntervalMonth,
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, result.Plan.Status)
	require.Equal(t, "sub_1", result.Plan.SubscriptionRef)
	require.Equal(t, "price_test", result.Plan.PriceRef)
	require.Equal(t, "secret", result.ClientSecret)
	require.Equal(t, 1, f.processor.customers)
}

func TestCreateReusesBillingIdentity(t *testing.T) {
	f := newTuitionFixture(t)

	monthlyPlan(t, f, 12000)
	monthlyPlan(t, f, 9000)
	require.Equal(t, 1, f.processor.customers)
	require.Equal(t, 2, f.processor.subscriptions)
}

func TestCreateRequiresOnboarding(t *testing.T) {
	f := newTuitionFixture(t)
	f.directory.settings.ProcessorOnboarded = false

	_, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID: 10, StudentID: 100, Name: "Ballet", Amount: 12000, Interval: payments.IntervalMonth,
	})
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
	require.Equal(t, 0, f.processor.subscriptions)
}

func TestCreateUnknownFamily(t *testing.T) {
	f := newTuitionFixture(t)

	_, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID: 99, StudentID: 100, Name: "Ballet", Amount: 12000, Interval: payments.IntervalMonth,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateProcessorFailureIsInternal(t *testing.T) {
	f := newTuitionFixture(t)
	f.processor.subscribeErr = errors.New("stripe is down")

	_, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID: 10, StudentID: 100, Name: "Ballet", Amount: 12000, Interval: payments.IntervalMonth,
	})
	require.ErrorIs(t, err, shared.ErrInternal)
	require.Empty(t, f.repo.plans)
}

func TestPauseAndResume(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)

	paused, err := f.svc.Pause(context.Background(), staffActor(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)
	require.NotNil(t, paused.PausedAt)
	require.Equal(t, []string{plan.SubscriptionRef}, f.processor.pauses)

	// Pausing a paused plan fails before the processor is involved.
	_, err = f.svc.Pause(context.Background(), staffActor(), plan.ID)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
	require.Len(t, f.processor.pauses, 1)

	resumed, err := f.svc.Resume(context.Background(), staffActor(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, resumed.Status)
	require.Nil(t, resumed.PausedAt)
}

func TestResumeActivePlanFails(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)

	_, err := f.svc.Resume(context.Background(), staffActor(), plan.ID)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
}

func TestPauseProcessorFailureKeepsPlanActive(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)
	f.processor.pauseErr = errors.New("stripe is down")

	_, err := f.svc.Pause(context.Background(), staffActor(), plan.ID)
	require.ErrorIs(t, err, shared.ErrInternal)

	got, err := f.svc.Get(context.Background(), staffActor(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
}

func TestCancelImmediately(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)

	cancelled, err := f.svc.Cancel(context.Background(), staffActor(), plan.ID, true)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Len(t, f.processor.cancels, 1)
	require.True(t, f.processor.cancels[0].Immediately)

	_, err = f.svc.Cancel(context.Background(), staffActor(), plan.ID, true)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)

	var cancelLog *shared.AuditLog
	for i := range f.audit.entries {
		if f.audit.entries[i].Action == "tuition.cancel" {
			cancelLog = &f.audit.entries[i]
		}
	}
	require.NotNil(t, cancelLog)
	require.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), cancelLog.At)
}

func TestCancelAtPeriodEndKeepsPlanActive(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)

	got, err := f.svc.Cancel(context.Background(), staffActor(), plan.ID, false)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.True(t, got.CancelAtPeriodEnd)
	require.Nil(t, got.CancelledAt)
	require.Len(t, f.processor.cancels, 1)
	require.False(t, f.processor.cancels[0].Immediately)

	// Flagging an already flagged plan fails before the processor is involved.
	_, err = f.svc.Cancel(context.Background(), staffActor(), plan.ID, false)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
	require.Len(t, f.processor.cancels, 1)
}

func TestRequestCancelFlagsPeriodEnd(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)

	got, err := f.svc.RequestCancel(context.Background(), parentActor(10), plan.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.True(t, got.CancelAtPeriodEnd)
	require.Len(t, f.processor.cancels, 1)
	require.False(t, f.processor.cancels[0].Immediately)

	_, err = f.svc.RequestCancel(context.Background(), parentActor(10), plan.ID)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
}

func TestRequestCancelPastDuePlanFails(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)
	f.repo.plans[plan.ID].Status = StatusPastDue

	_, err := f.svc.RequestCancel(context.Background(), parentActor(10), plan.ID)
	require.ErrorIs(t, err, shared.ErrPreconditionFailed)
	require.Empty(t, f.processor.cancels)
}

func TestRequestCancelOtherFamilyIsNotFound(t *testing.T) {
	f := newTuitionFixture(t)
	plan := monthlyPlan(t, f, 12000)

	_, err := f.svc.RequestCancel(context.Background(), parentActor(22), plan.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, f.processor.cancels)
}

func TestParentListForcedOntoOwnFamily(t *testing.T) {
	f := newTuitionFixture(t)
	f.directory.families[22] = studios.Family{ID: 22, StudioID: 1, Name: "Okafor", Email: "okafor@example.com"}
	mine := monthlyPlan(t, f, 12000)
	_, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID: 22, StudentID: 200, Name: "Jazz", Amount: 8000, Interval: payments.IntervalMonth,
	})
	require.NoError(t, err)

	other := int64(22)
	plans, _, err := f.svc.List(context.Background(), parentActor(10), &other, nil, 1, 50)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, mine.ID, plans[0].ID)
}

func TestStatsNormalisesYearlyToMonthly(t *testing.T) {
	f := newTuitionFixture(t)
	monthlyPlan(t, f, 12000)
	_, err := f.svc.Create(context.Background(), staffActor(), CreatePlanRequest{
		FamilyID: 10, StudentID: 101, Name: "Annual Ballet", Amount: 120000, Interval: payments.IntervalYear,
	})
	require.NoError(t, err)

	paused := monthlyPlan(t, f, 5000)
	_, err = f.svc.Pause(context.Background(), staffActor(), paused.ID)
	require.NoError(t, err)

	stats, err := f.svc.Stats(context.Background(), staffActor())
	require.NoError(t, err)
	require.Equal(t, 2, stats.ActiveCount)
	require.Equal(t, 1, stats.PausedCount)
	// 12000 + 120000/12
	require.Equal(t, int64(22000), stats.MRRCents)
}
