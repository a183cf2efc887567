package service_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/service"
)

// ---------- Mocks ----------

type mockTrustRepo struct {
	mu        sync.Mutex
	scores    map[int64]*domain.TrustScore
	penalties []*domain.Penalty
	events    []*domain.TrustEvent
	nextID    int64
}

func newMockTrustRepo() *mockTrustRepo {
	return &mockTrustRepo{scores: make(map[int64]*domain.TrustScore)}
}

func (m *mockTrustRepo) GetOrCreate(_ context.Context, tenantID, customerID int64, phone string) (*domain.TrustScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scores[customerID]; ok {
		out := *s
		return &out, nil
	}
	s := &domain.TrustScore{
		TenantID:   tenantID,
		CustomerID: customerID,
		Phone:      phone,
		Score:      domain.DefaultTrustScore,
	}
	m.scores[customerID] = s
	out := *s
	return &out, nil
}

func (m *mockTrustRepo) ApplyDelta(_ context.Context, _, customerID int64, delta int, violation *domain.ViolationType, _ *domain.AchievementType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scores[customerID]
	s.Score = domain.ClampScore(s.Score + delta)
	if violation != nil {
		switch *violation {
		case domain.ViolationNoShow:
			s.NoShows++
		case domain.ViolationNoPickup:
			s.NoPickups++
		case domain.ViolationLateCancel:
			s.LateCancellations++
		case domain.ViolationNoConfirmation:
			s.ConfirmedNoResponse++
		}
	}
	return s.Score, nil
}

func (m *mockTrustRepo) OverrideScore(_ context.Context, _, customerID int64, score int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[customerID]
	if !ok {
		return false, nil
	}
	s.Score = score
	return true, nil
}

func (m *mockTrustRepo) SetVIP(_ context.Context, _, customerID int64, vip bool, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[customerID]
	if !ok {
		return false, nil
	}
	s.IsVIP = vip
	s.VIPReason = reason
	return true, nil
}

func (m *mockTrustRepo) SetBlockedFlag(_ context.Context, _, customerID int64, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scores[customerID]; ok {
		s.Blocked = blocked
	}
	return nil
}

func (m *mockTrustRepo) IncrementBookings(_ context.Context, _, customerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scores[customerID]; ok {
		s.TotalBookings++
	}
	return nil
}

func (m *mockTrustRepo) CreatePenalty(_ context.Context, p *domain.Penalty) (*domain.Penalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	stored := *p
	stored.ID = m.nextID
	m.penalties = append(m.penalties, &stored)
	out := stored
	return &out, nil
}

func (m *mockTrustRepo) ResolvePenalty(_ context.Context, _, id int64, resolvedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.penalties {
		if p.ID == id && !p.Resolved {
			p.Resolved = true
			p.ResolvedBy = resolvedBy
			return true, nil
		}
	}
	return false, nil
}

func (m *mockTrustRepo) CountUnresolvedPenalties(_ context.Context, _, customerID int64, violation domain.ViolationType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.penalties {
		if p.CustomerID == customerID && p.Type == violation && !p.Resolved {
			n++
		}
	}
	return n, nil
}

func (m *mockTrustRepo) InsertEvent(_ context.Context, e *domain.TrustEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type mockBlockRepo struct {
	mu     sync.Mutex
	nextID int64
	blocks map[int64]*domain.Block
}

func newMockBlockRepo() *mockBlockRepo {
	return &mockBlockRepo{blocks: make(map[int64]*domain.Block)}
}

func (m *mockBlockRepo) CreateIfNone(_ context.Context, b *domain.Block) (*domain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.blocks {
		if existing.Active && existing.TenantID == b.TenantID && existing.Phone == b.Phone {
			return nil, nil
		}
	}
	m.nextID++
	stored := *b
	stored.ID = m.nextID
	stored.Active = true
	m.blocks[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (m *mockBlockRepo) GetByID(_ context.Context, tenantID, id int64) (*domain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok || b.TenantID != tenantID {
		return nil, nil
	}
	out := *b
	return &out, nil
}

func (m *mockBlockRepo) FindActive(_ context.Context, tenantID int64, phone string, _ *int64) (*domain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.Active && b.TenantID == tenantID && b.Phone == phone {
			out := *b
			return &out, nil
		}
	}
	return nil, nil
}

func (m *mockBlockRepo) ListUnblockDue(_ context.Context, batch int) ([]domain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Block
	for _, b := range m.blocks {
		if b.Active && b.UnblockAt != nil && !b.UnblockAt.After(testNow) && !b.UnblockProcessed {
			out = append(out, *b)
			if len(out) >= batch {
				break
			}
		}
	}
	return out, nil
}

func (m *mockBlockRepo) ClaimUnblock(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok || b.UnblockProcessed || !b.Active {
		return false, nil
	}
	b.UnblockProcessed = true
	b.Active = false
	b.UnblockedBy = "sweep"
	return true, nil
}

func (m *mockBlockRepo) ManualUnblock(_ context.Context, tenantID, id int64, actor string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok || b.TenantID != tenantID || !b.Active {
		return false, nil
	}
	b.Active = false
	b.UnblockedBy = actor
	return true, nil
}

func (m *mockBlockRepo) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.blocks {
		if b.Active {
			n++
		}
	}
	return n
}

// stubPolicyService returns the same policy for every lookup.
type stubPolicyService struct {
	policy *domain.Policy
}

func (s *stubPolicyService) Resolve(context.Context, int64, string, *int64) (*domain.Policy, error) {
	if s.policy == nil {
		return nil, domain.ErrPolicyNotFound
	}
	return s.policy, nil
}

func (s *stubPolicyService) EvaluateBookingRequirements(context.Context, int64, string, *int64, *domain.TrustScore, int64) (*domain.BookingRequirements, error) {
	return &domain.BookingRequirements{}, nil
}

func (s *stubPolicyService) Upsert(_ context.Context, p *domain.Policy) (*domain.Policy, error) {
	return p, nil
}

func testPolicy() *domain.Policy {
	return &domain.Policy{
		TenantID:              1,
		Vertical:              "services",
		ConfirmationRequired:  true,
		ConfirmationThreshold: 50,
		DepositEnabled:        true,
		DepositThreshold:      30,
		BlockThreshold:        20,
		PenaltyNoShow:         15,
		PenaltyNoPickup:       12,
		PenaltyLateCancel:     5,
		PenaltyNoConfirmation: 8,
		PenaltyAbuse:          40,
		PenaltyFraud:          60,
		PenaltyOther:          3,
		RewardCompleted:       2,
		RewardOnTimePickup:    1,
		AutoBlockNoShows:      3,
		AutoBlockNoPickups:    3,
		HoldMinutes:           10,
		HoldBufferMinutes:     2,
	}
}

// ---------- Tests ----------

func testViolation(vt domain.ViolationType) service.Violation {
	return service.Violation{
		TenantID:   1,
		CustomerID: 7,
		Phone:      "+15550100",
		Vertical:   "services",
		Type:       vt,
		Severity:   2,
	}
}

func newTrustFixture() (service.TrustService, *mockTrustRepo, *mockBlockRepo) {
	trustRepo := newMockTrustRepo()
	blockRepo := newMockBlockRepo()
	svc := service.NewTrustService(trustRepo, blockRepo, &stubPolicyService{policy: testPolicy()}, nil, nil, clock.NewFixed(testNow))
	return svc, trustRepo, blockRepo
}

func TestRecordPenaltyDecrementsScore(t *testing.T) {
	svc, repo, _ := newTrustFixture()

	score, err := svc.RecordPenalty(context.Background(), testViolation(domain.ViolationNoShow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score.Score != domain.DefaultTrustScore-15 {
		t.Fatalf("expected %d, got %d", domain.DefaultTrustScore-15, score.Score)
	}
	if score.NoShows != 1 {
		t.Fatalf("no-show counter not bumped: %d", score.NoShows)
	}
	if len(repo.events) != 1 || repo.events[0].Kind != "penalty" {
		t.Fatalf("trust event missing: %+v", repo.events)
	}
}

func TestScoreStaysClamped(t *testing.T) {
	svc, _, _ := newTrustFixture()
	rng := rand.New(rand.NewSource(42))

	violations := []domain.ViolationType{
		domain.ViolationNoShow, domain.ViolationNoPickup, domain.ViolationLateCancel,
		domain.ViolationNoConfirmation, domain.ViolationAbuse, domain.ViolationFraud,
	}
	achievements := []domain.AchievementType{
		domain.AchievementCompletedBooking, domain.AchievementOnTimePickup,
	}

	for i := 0; i < 200; i++ {
		var score *domain.TrustScore
		var err error
		if rng.Intn(2) == 0 {
			score, err = svc.RecordPenalty(context.Background(), testViolation(violations[rng.Intn(len(violations))]))
		} else {
			score, err = svc.RecordReward(context.Background(), service.Achievement{
				TenantID: 1, CustomerID: 7, Phone: "+15550100", Vertical: "services",
				Type: achievements[rng.Intn(len(achievements))],
			})
		}
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if score.Score < domain.MinTrustScore || score.Score > domain.MaxTrustScore {
			t.Fatalf("iteration %d: score %d out of range", i, score.Score)
		}
	}
}

func TestAutoBlockOnLowScore(t *testing.T) {
	trustRepo := newMockTrustRepo()
	blockRepo := newMockBlockRepo()
	policy := testPolicy()
	policy.AutoBlockNoShows = 0 // isolate the score threshold trigger
	svc := service.NewTrustService(trustRepo, blockRepo, &stubPolicyService{policy: policy}, nil, nil, clock.NewFixed(testNow))

	// five no-shows drive the score from 80 to 5, crossing the threshold
	for i := 0; i < 5; i++ {
		if _, err := svc.RecordPenalty(context.Background(), testViolation(domain.ViolationNoShow)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if blockRepo.activeCount() != 1 {
		t.Fatalf("expected 1 active block, got %d", blockRepo.activeCount())
	}
	if blockRepo.blocks[1].Reason != domain.BlockAutoLowScore {
		t.Fatalf("wrong block reason: %s", blockRepo.blocks[1].Reason)
	}
}

func TestAutoBlockOnAbuse(t *testing.T) {
	svc, _, blocks := newTrustFixture()

	if _, err := svc.RecordPenalty(context.Background(), testViolation(domain.ViolationFraud)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocks.activeCount() != 1 {
		t.Fatalf("expected immediate block on fraud, got %d", blocks.activeCount())
	}
}

func TestAutoBlockOnRepeatedNoShows(t *testing.T) {
	svc, _, blocks := newTrustFixture()

	for i := 0; i < 3; i++ {
		if _, err := svc.RecordPenalty(context.Background(), testViolation(domain.ViolationNoShow)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// 3 no-shows trip the strike trigger even though 80-45=35 is above the
	// block threshold
	if blocks.activeCount() != 1 {
		t.Fatalf("expected 1 active block, got %d", blocks.activeCount())
	}
}

func TestVIPNeverAutoBlocked(t *testing.T) {
	svc, _, blocks := newTrustFixture()

	if _, err := svc.GetTrustScore(context.Background(), 1, 7, "+15550100"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.SetVIP(context.Background(), 1, 7, "+15550100", true, "house account"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last *domain.TrustScore
	for i := 0; i < 5; i++ {
		score, err := svc.RecordPenalty(context.Background(), testViolation(domain.ViolationNoShow))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = score
	}

	if blocks.activeCount() != 0 {
		t.Fatal("VIP customer must never be auto-blocked")
	}
	if last.Score >= domain.DefaultTrustScore {
		t.Fatal("VIP penalties must still damage the score")
	}
}

func TestManualOverrideClampsAndAudits(t *testing.T) {
	svc, repo, _ := newTrustFixture()

	score, err := svc.ManualOverride(context.Background(), 1, 7, "+15550100", 150, "admin@shop", "goodwill reset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score.Score != domain.MaxTrustScore {
		t.Fatalf("expected clamp to %d, got %d", domain.MaxTrustScore, score.Score)
	}

	found := false
	for _, e := range repo.events {
		if e.Kind == "manual_override" && e.Actor == "admin@shop" {
			found = true
		}
	}
	if !found {
		t.Fatal("override not audited")
	}
}

func TestUnblockExpiredReleasesTimedBlocks(t *testing.T) {
	trustRepo := newMockTrustRepo()
	blockRepo := newMockBlockRepo()
	blockSvc := service.NewBlockService(blockRepo, trustRepo, nil, nil, clock.NewFixed(testNow))

	past := testNow.Add(-time.Hour)
	custID := int64(7)
	blockRepo.blocks[1] = &domain.Block{
		ID: 1, TenantID: 1, CustomerID: &custID, Phone: "+15550100",
		Reason: domain.BlockAutoNoShows, Active: true, UnblockAt: &past,
	}

	n, err := blockSvc.UnblockExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 unblock, got %d", n)
	}

	// second sweep finds nothing
	n, err = blockSvc.UnblockExpired(context.Background(), 100)
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent sweep, got %d (%v)", n, err)
	}
}
