package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slotline/bookguard/internal/channel"
	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/repo/postgres"
	"github.com/slotline/bookguard/internal/service"
)

// ---------- Mocks ----------

type mockConfirmationRepo struct {
	mu     sync.Mutex
	nextID int64
	confs  map[int64]*domain.Confirmation
	now    func() time.Time
}

func newMockConfirmationRepo(now func() time.Time) *mockConfirmationRepo {
	return &mockConfirmationRepo{confs: make(map[int64]*domain.Confirmation), now: now}
}

func (m *mockConfirmationRepo) Create(_ context.Context, c *domain.Confirmation) (*domain.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.confs {
		if existing.TenantID == c.TenantID && existing.ReferenceType == c.ReferenceType &&
			existing.ReferenceID == c.ReferenceID && existing.Kind == c.Kind {
			out := *existing
			return &out, nil
		}
	}
	m.nextID++
	stored := *c
	stored.ID = m.nextID
	stored.Status = domain.ConfirmationPending
	stored.CreatedAt = m.now()
	m.confs[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (m *mockConfirmationRepo) GetByID(_ context.Context, tenantID, id int64) (*domain.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[id]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (m *mockConfirmationRepo) ResetForResend(_ context.Context, tenantID, id int64, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[id]
	if !ok || c.TenantID != tenantID {
		return false, nil
	}
	switch c.Status {
	case domain.ConfirmationPending, domain.ConfirmationSent, domain.ConfirmationFailed:
		c.Status = domain.ConfirmationPending
		c.ExpiresAt = expiresAt
		c.MessageID = nil
		return true, nil
	}
	return false, nil
}

func (m *mockConfirmationRepo) MarkSent(_ context.Context, id int64, messageID string, attempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[id]
	if !ok || c.Status != domain.ConfirmationPending {
		return false, nil
	}
	c.Status = domain.ConfirmationSent
	c.MessageID = &messageID
	c.Attempts = attempts
	return true, nil
}

func (m *mockConfirmationRepo) MarkFailed(_ context.Context, id int64, attempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[id]
	if !ok || c.Status != domain.ConfirmationPending {
		return false, nil
	}
	c.Status = domain.ConfirmationFailed
	c.Attempts = attempts
	return true, nil
}

func (m *mockConfirmationRepo) MarkDelivered(_ context.Context, tenantID int64, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.confs {
		if c.TenantID == tenantID && c.MessageID != nil && *c.MessageID == messageID && c.Status == domain.ConfirmationSent {
			c.Status = domain.ConfirmationDelivered
			return true, nil
		}
	}
	return false, nil
}

func (m *mockConfirmationRepo) MarkRead(_ context.Context, tenantID int64, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.confs {
		if c.TenantID == tenantID && c.MessageID != nil && *c.MessageID == messageID &&
			(c.Status == domain.ConfirmationSent || c.Status == domain.ConfirmationDelivered) {
			c.Status = domain.ConfirmationRead
			return true, nil
		}
	}
	return false, nil
}

func (m *mockConfirmationRepo) RecordResponse(_ context.Context, tenantID, id int64, response domain.ConfirmationResponse) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[id]
	if !ok || c.TenantID != tenantID || c.Status.Terminal() {
		return false, nil
	}
	c.Status = domain.ConfirmationResponded
	c.Response = &response
	return true, nil
}

func (m *mockConfirmationRepo) ListExpired(_ context.Context, batch int) ([]domain.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Confirmation
	for _, c := range m.confs {
		if !c.Status.Terminal() || c.Status == domain.ConfirmationExpired {
			if !c.ExpiresAt.After(m.now()) && !c.AutoActionExecuted && c.Status != domain.ConfirmationFailed && c.Status != domain.ConfirmationResponded {
				out = append(out, *c)
				if len(out) >= batch {
					break
				}
			}
		}
	}
	return out, nil
}

func (m *mockConfirmationRepo) ClaimAutoAction(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[id]
	if !ok || c.AutoActionExecuted {
		return false, nil
	}
	c.AutoActionExecuted = true
	c.Status = domain.ConfirmationExpired
	return true, nil
}

type mockReferenceRepo struct {
	mu       sync.Mutex
	entities map[string]*postgres.ReferenceEntity
}

func refKey(refType domain.ReferenceType, id int64) string {
	return fmt.Sprintf("%s:%d", refType, id)
}

func newMockReferenceRepo() *mockReferenceRepo {
	return &mockReferenceRepo{entities: make(map[string]*postgres.ReferenceEntity)}
}

func (m *mockReferenceRepo) Get(_ context.Context, refType domain.ReferenceType, tenantID, id int64) (*postgres.ReferenceEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[refKey(refType, id)]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (m *mockReferenceRepo) SetStatus(_ context.Context, refType domain.ReferenceType, tenantID, id int64, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[refKey(refType, id)]
	if !ok || e.TenantID != tenantID {
		return false, nil
	}
	e.Status = status
	return true, nil
}

func (m *mockReferenceRepo) ListNeedingReminder(_ context.Context, refType domain.ReferenceType, _ domain.ConfirmationKind, from, until time.Time, batch int) ([]postgres.ReferenceEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binding, ok := refType.Binding()
	if !ok {
		return nil, nil
	}
	var out []postgres.ReferenceEntity
	for key, e := range m.entities {
		if !strings.HasPrefix(key, string(refType)+":") || e.Status != binding.ConfirmedStatus {
			continue
		}
		if e.ScheduledAt.Before(from) || !e.ScheduledAt.Before(until) {
			continue
		}
		out = append(out, *e)
		if len(out) >= batch {
			break
		}
	}
	return out, nil
}

// flakySender fails the first failures sends, then succeeds. permanentErr
// makes every send fail non-retryably.
type flakySender struct {
	mu           sync.Mutex
	calls        int
	failures     int
	permanentErr error
	lastBody     string
}

func (s *flakySender) send(body string) (channel.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastBody = body
	if s.permanentErr != nil {
		return channel.SendResult{}, s.permanentErr
	}
	if s.calls <= s.failures {
		return channel.SendResult{}, errors.New("upstream timeout")
	}
	return channel.SendResult{MessageID: fmt.Sprintf("msg-%d", s.calls)}, nil
}

func (s *flakySender) SendText(_ context.Context, _ string, body string) (channel.SendResult, error) {
	return s.send(body)
}

func (s *flakySender) SendButtons(_ context.Context, _ string, body string, _ []channel.Button, _ string) (channel.SendResult, error) {
	return s.send(body)
}

// fakeDepositLinker hands back a canned payment link.
type fakeDepositLinker struct {
	mu    sync.Mutex
	link  string
	calls int
}

func (f *fakeDepositLinker) CreateDepositLink(context.Context, int64, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.link, nil
}

type mockTrustService struct {
	mu        sync.Mutex
	penalties []service.Violation
}

func (m *mockTrustService) GetTrustScore(context.Context, int64, int64, string) (*domain.TrustScore, error) {
	return &domain.TrustScore{Score: domain.DefaultTrustScore}, nil
}

func (m *mockTrustService) RecordPenalty(_ context.Context, v service.Violation) (*domain.TrustScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalties = append(m.penalties, v)
	return &domain.TrustScore{}, nil
}

func (m *mockTrustService) RecordReward(context.Context, service.Achievement) (*domain.TrustScore, error) {
	return &domain.TrustScore{}, nil
}

func (m *mockTrustService) ManualOverride(context.Context, int64, int64, string, int, string, string) (*domain.TrustScore, error) {
	return &domain.TrustScore{}, nil
}

func (m *mockTrustService) ResolvePenalty(context.Context, int64, int64, string) error { return nil }
func (m *mockTrustService) SetVIP(context.Context, int64, int64, string, bool, string) error {
	return nil
}
func (m *mockTrustService) IncrementBookings(context.Context, int64, int64) error { return nil }

// ---------- Helpers ----------

type confFixture struct {
	repo     *mockConfirmationRepo
	refs     *mockReferenceRepo
	trust    *mockTrustService
	policies *stubPolicyService
	deposits *fakeDepositLinker
	sender   *flakySender
	sleeps   []time.Duration
	svc      service.ConfirmationService
}

func newConfFixture(t *testing.T, now func() time.Time) *confFixture {
	t.Helper()
	f := &confFixture{
		repo:     newMockConfirmationRepo(now),
		refs:     newMockReferenceRepo(),
		trust:    &mockTrustService{},
		policies: &stubPolicyService{},
		deposits: &fakeDepositLinker{},
		sender:   &flakySender{},
	}
	senders := map[domain.Channel]channel.Sender{
		domain.ChannelWhatsApp: f.sender,
	}
	f.svc = service.NewConfirmationService(f.repo, f.refs, f.trust, f.policies, senders, f.deposits, "USD", nil, clock.NewFixed(testNow))
	service.SetSleepForTest(f.svc, func(d time.Duration) { f.sleeps = append(f.sleeps, d) })
	return f
}

func sendReq(kind domain.ConfirmationKind, auto domain.AutoAction) service.SendConfirmationRequest {
	return service.SendConfirmationRequest{
		TenantID:      1,
		ReferenceType: domain.RefAppointment,
		ReferenceID:   100,
		Kind:          kind,
		Channel:       domain.ChannelWhatsApp,
		Recipient:     "+15550100",
		CustomerName:  "Dana",
		ExpiresAt:     testNow.Add(4 * time.Hour),
		AutoAction:    auto,
	}
}

// ---------- Tests ----------

func TestSendSuccessMarksSent(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != domain.ConfirmationSent {
		t.Fatalf("expected sent, got %s", conf.Status)
	}
	if conf.MessageID == nil || *conf.MessageID == "" {
		t.Fatal("message id not recorded")
	}
	if f.sender.calls != 1 {
		t.Fatalf("expected 1 send, got %d", f.sender.calls)
	}
}

func TestSendIdempotentPerReferenceKind(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })

	first, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same confirmation, got %d and %d", first.ID, second.ID)
	}
	if f.sender.calls != 1 {
		t.Fatalf("second Send must not dispatch again, got %d calls", f.sender.calls)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.sender.failures = 2

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != domain.ConfirmationSent {
		t.Fatalf("expected sent after retries, got %s", conf.Status)
	}
	if conf.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", conf.Attempts)
	}
	if len(f.sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(f.sleeps))
	}
	if f.sleeps[1] <= f.sleeps[0] {
		t.Fatalf("backoff should increase: %v then %v", f.sleeps[0], f.sleeps[1])
	}
}

func TestSendExhaustsRetriesThenFails(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.sender.failures = 10

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != domain.ConfirmationFailed {
		t.Fatalf("expected failed, got %s", conf.Status)
	}
	if f.sender.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.sender.calls)
	}
}

func TestSendNonRetryableFailsImmediately(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.sender.permanentErr = channel.Permanent("invalid phone number")

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != domain.ConfirmationFailed {
		t.Fatalf("expected failed, got %s", conf.Status)
	}
	if f.sender.calls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", f.sender.calls)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("no backoff expected, got %v", f.sleeps)
	}
}

func TestProcessResponseConfirms(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	custID := int64(7)
	f.refs.entities[refKey(domain.RefAppointment, 100)] = &postgres.ReferenceEntity{
		ID: 100, TenantID: 1, Status: "pending_confirmation", ScheduledAt: testNow.Add(48 * time.Hour),
		CustomerID: &custID, Phone: "+15550100",
	}

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := f.svc.ProcessResponse(context.Background(), 1, conf.ID, domain.ResponseConfirmed, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Response != domain.ResponseConfirmed {
		t.Fatalf("unexpected result: %+v", res)
	}

	entity, _ := f.refs.Get(context.Background(), domain.RefAppointment, 1, 100)
	if entity.Status != "confirmed" {
		t.Fatalf("entity status not updated: %s", entity.Status)
	}

	// second reply loses
	res, err = f.svc.ProcessResponse(context.Background(), 1, conf.ID, domain.ResponseCancelled, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("second response must be rejected")
	}
}

func TestProcessResponseAfterExpiryRejected(t *testing.T) {
	current := testNow
	f := newConfFixture(t, func() time.Time { return current })

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// sweep fires after the window
	current = testNow.Add(5 * time.Hour)
	if _, err := f.svc.ProcessExpired(context.Background(), 100); err != nil {
		t.Fatalf("sweep error: %v", err)
	}

	res, err := f.svc.ProcessResponse(context.Background(), 1, conf.ID, domain.ResponseConfirmed, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("reply after expiry must be rejected")
	}
	if res.Reason != "confirmation expired" {
		t.Fatalf("expected expired reason, got %q", res.Reason)
	}
}

func TestProcessExpiredCancelsAndPenalizes(t *testing.T) {
	current := testNow
	f := newConfFixture(t, func() time.Time { return current })
	custID := int64(7)
	f.refs.entities[refKey(domain.RefAppointment, 100)] = &postgres.ReferenceEntity{
		ID: 100, TenantID: 1, Status: "pending_confirmation", ScheduledAt: testNow.Add(48 * time.Hour),
		CustomerID: &custID, Phone: "+15550100", CustomerName: "Dana",
	}

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = testNow.Add(5 * time.Hour)
	stats, err := f.svc.ProcessExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if stats.Processed != 1 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entity, _ := f.refs.Get(context.Background(), domain.RefAppointment, 1, 100)
	if entity.Status != "cancelled" {
		t.Fatalf("entity not cancelled: %s", entity.Status)
	}
	if len(f.trust.penalties) != 1 {
		t.Fatalf("expected 1 penalty, got %d", len(f.trust.penalties))
	}
	if f.trust.penalties[0].Type != domain.ViolationNoConfirmation {
		t.Fatalf("wrong violation: %s", f.trust.penalties[0].Type)
	}

	got, _ := f.repo.GetByID(context.Background(), 1, conf.ID)
	if got.Status != domain.ConfirmationExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

func TestProcessExpiredRunsOnce(t *testing.T) {
	current := testNow
	f := newConfFixture(t, func() time.Time { return current })
	custID := int64(7)
	f.refs.entities[refKey(domain.RefAppointment, 100)] = &postgres.ReferenceEntity{
		ID: 100, TenantID: 1, Status: "pending_confirmation", ScheduledAt: testNow.Add(48 * time.Hour),
		CustomerID: &custID, Phone: "+15550100",
	}

	if _, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = testNow.Add(5 * time.Hour)
	first, err := f.svc.ProcessExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	second, err := f.svc.ProcessExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}

	if first.Processed != 1 || second.Processed != 0 {
		t.Fatalf("auto-action executed more than once: first=%+v second=%+v", first, second)
	}
	if len(f.trust.penalties) != 1 {
		t.Fatalf("penalty applied %d times", len(f.trust.penalties))
	}
}

func TestResendGivesFreshWindow(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.sender.permanentErr = channel.Permanent("recipient blocked")

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != domain.ConfirmationFailed {
		t.Fatalf("setup: expected failed, got %s", conf.Status)
	}

	f.sender.permanentErr = nil
	resent, err := f.svc.Resend(context.Background(), 1, conf.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resent.Status != domain.ConfirmationSent {
		t.Fatalf("expected sent after resend, got %s", resent.Status)
	}
	if !resent.ExpiresAt.After(testNow) {
		t.Fatalf("resend did not refresh the window: %v", resent.ExpiresAt)
	}
}

func TestResendRejectedForRespondedConfirmation(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.refs.entities[refKey(domain.RefAppointment, 100)] = &postgres.ReferenceEntity{
		ID: 100, TenantID: 1, Status: "pending_confirmation", ScheduledAt: testNow.Add(48 * time.Hour),
	}

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.ProcessResponse(context.Background(), 1, conf.ID, domain.ResponseConfirmed, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.svc.Resend(context.Background(), 1, conf.ID); !errors.Is(err, domain.ErrInvalidResendState) {
		t.Fatalf("expected ErrInvalidResendState, got %v", err)
	}
}

func TestDeliveryReceiptsAdvanceStatus(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.svc.MarkDelivered(context.Background(), 1, *conf.MessageID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), 1, conf.ID)
	if got.Status != domain.ConfirmationDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}

	if err := f.svc.MarkRead(context.Background(), 1, *conf.MessageID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = f.repo.GetByID(context.Background(), 1, conf.ID)
	if got.Status != domain.ConfirmationRead {
		t.Fatalf("expected read, got %s", got.Status)
	}

	// a late delivered receipt must not regress the status
	if err := f.svc.MarkDelivered(context.Background(), 1, *conf.MessageID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = f.repo.GetByID(context.Background(), 1, conf.ID)
	if got.Status != domain.ConfirmationRead {
		t.Fatalf("status regressed to %s", got.Status)
	}
}

func TestExpiredNotifyStaffKeepsBooking(t *testing.T) {
	current := testNow
	f := newConfFixture(t, func() time.Time { return current })
	f.refs.entities[refKey(domain.RefAppointment, 100)] = &postgres.ReferenceEntity{
		ID: 100, TenantID: 1, Status: "pending_confirmation", ScheduledAt: testNow.Add(48 * time.Hour),
	}

	if _, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionNotifyStaff)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = testNow.Add(5 * time.Hour)
	stats, err := f.svc.ProcessExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if stats.Notified != 1 || stats.Cancelled != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entity, _ := f.refs.Get(context.Background(), domain.RefAppointment, 1, 100)
	if entity.Status != "pending_confirmation" {
		t.Fatalf("notify_staff must not cancel, got %s", entity.Status)
	}
}

func TestResendRebuildsDepositMessage(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.deposits.link = "https://pay.example/dep_123"
	f.sender.permanentErr = channel.Permanent("recipient unreachable")

	req := sendReq(domain.KindDepositRequired, domain.AutoActionCancel)
	req.DepositAmountCents = 5000
	conf, err := f.svc.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Status != domain.ConfirmationFailed {
		t.Fatalf("setup: expected failed, got %s", conf.Status)
	}

	f.sender.permanentErr = nil
	resent, err := f.svc.Resend(context.Background(), 1, conf.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resent.Status != domain.ConfirmationSent {
		t.Fatalf("expected sent after resend, got %s", resent.Status)
	}
	if resent.DepositAmountCents != 5000 {
		t.Fatalf("deposit amount lost on resend: %d", resent.DepositAmountCents)
	}
	if !strings.Contains(f.sender.lastBody, "50.00 USD") {
		t.Fatalf("resent message lost the deposit amount: %q", f.sender.lastBody)
	}
	if !strings.Contains(f.sender.lastBody, "https://pay.example/dep_123") {
		t.Fatalf("resent message lost the pay link: %q", f.sender.lastBody)
	}
}

func TestProcessResponseAcceptsMappedFreeText(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	f.refs.entities[refKey(domain.RefAppointment, 100)] = &postgres.ReferenceEntity{
		ID: 100, TenantID: 1, Status: "pending_confirmation", ScheduledAt: testNow.Add(48 * time.Hour),
	}

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a classified free-text reply carries the mapped response, not raw text
	res, err := f.svc.ProcessResponse(context.Background(), 1, conf.ID, domain.ResponseConfirmed, "yes, see you there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Response != domain.ResponseConfirmed {
		t.Fatalf("unexpected result: %+v", res)
	}
	entity, _ := f.refs.Get(context.Background(), domain.RefAppointment, 1, 100)
	if entity.Status != "confirmed" {
		t.Fatalf("free-text confirm did not confirm the entity: %s", entity.Status)
	}
}

func TestProcessResponseRejectsUnknownValue(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })

	conf, err := f.svc.Send(context.Background(), sendReq(domain.KindFirstRequest, domain.AutoActionCancel))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.svc.ProcessResponse(context.Background(), 1, conf.ID, domain.ConfirmationResponse("maybe"), ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestButtonResponseMapping(t *testing.T) {
	cases := map[string]domain.ConfirmationResponse{
		"confirm":     domain.ResponseConfirmed,
		"cancel":      domain.ResponseCancelled,
		"need_change": domain.ResponseNeedChange,
		"anything":    domain.ResponseOther,
	}
	for id, want := range cases {
		if got := service.ButtonResponse(id); got != want {
			t.Errorf("ButtonResponse(%q) = %s, want %s", id, got, want)
		}
	}
}

func TestDispatchRemindersUsesPolicyWindows(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	policy := testPolicy()
	policy.ReminderFirstHours = 48
	f.policies.policy = policy

	f.refs.entities[refKey(domain.RefAppointment, 200)] = &postgres.ReferenceEntity{
		ID: 200, TenantID: 1, Status: "confirmed", ScheduledAt: testNow.Add(30 * time.Hour),
		Phone: "+15550100", CustomerName: "Dana",
	}
	f.refs.entities[refKey(domain.RefAppointment, 201)] = &postgres.ReferenceEntity{
		ID: 201, TenantID: 1, Status: "confirmed", ScheduledAt: testNow.Add(60 * time.Hour),
		Phone: "+15550101", CustomerName: "Omar",
	}

	// the policy widens the first window to 48h, so only the 30h booking is due
	sent, err := f.svc.DispatchReminders(context.Background(), 24, 2, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 reminder, got %d", sent)
	}

	var got *domain.Confirmation
	for _, c := range f.repo.confs {
		if c.ReferenceID == 200 && c.Kind == domain.KindReminder24h {
			got = c
		}
	}
	if got == nil {
		t.Fatal("reminder not created for the booking inside the policy window")
	}
	if got.Status != domain.ConfirmationSent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
}

func TestDispatchRemindersFallsBackToConfigHours(t *testing.T) {
	f := newConfFixture(t, func() time.Time { return testNow })
	// no policy stored: the configured 24h window applies

	f.refs.entities[refKey(domain.RefAppointment, 200)] = &postgres.ReferenceEntity{
		ID: 200, TenantID: 1, Status: "confirmed", ScheduledAt: testNow.Add(30 * time.Hour),
		Phone: "+15550100", CustomerName: "Dana",
	}

	sent, err := f.svc.DispatchReminders(context.Background(), 24, 2, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 0 {
		t.Fatalf("booking outside the fallback window must wait, got %d reminders", sent)
	}
}
