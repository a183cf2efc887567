package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/slotline/bookguard/internal/clock"
	"github.com/slotline/bookguard/internal/domain"
	"github.com/slotline/bookguard/internal/service"
)

// ---------- Mocks ----------

// mockHoldRepo mimics the conditional-insert semantics of the real
// repository: at most one active hold per slot window, enforced under a
// single lock the way the database enforces it in one statement.
type mockHoldRepo struct {
	mu     sync.Mutex
	nextID int64
	holds  map[int64]*domain.Hold
	now    func() time.Time
}

func newMockHoldRepo(now func() time.Time) *mockHoldRepo {
	return &mockHoldRepo{holds: make(map[int64]*domain.Hold), now: now}
}

func slotKey(branchID *int64, start time.Time, durationMin int) string {
	b := int64(0)
	if branchID != nil {
		b = *branchID
	}
	return fmt.Sprintf("%d|%s|%d", b, start.UTC().Format(time.RFC3339), durationMin)
}

func (m *mockHoldRepo) Create(_ context.Context, hold *domain.Hold) (*domain.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey(hold.BranchID, hold.SlotStart, hold.DurationMin)
	for _, h := range m.holds {
		if h.Status == domain.HoldActive && h.ExpiresAt.After(m.now()) && slotKey(h.BranchID, h.SlotStart, h.DurationMin) == key {
			return nil, nil
		}
	}

	m.nextID++
	stored := *hold
	stored.ID = m.nextID
	stored.CreatedAt = m.now()
	m.holds[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (m *mockHoldRepo) GetByID(_ context.Context, id int64) (*domain.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, nil
	}
	out := *h
	return &out, nil
}

func (m *mockHoldRepo) FindConflict(_ context.Context, _ int64, branchID *int64, slotStart time.Time, durationMin int) (*domain.SlotConflictError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(branchID, slotStart, durationMin)
	for _, h := range m.holds {
		if h.Status == domain.HoldActive && slotKey(h.BranchID, h.SlotStart, h.DurationMin) == key {
			return &domain.SlotConflictError{Sentinel: domain.ErrSlotHeld, ConflictingID: h.ID}, nil
		}
		if h.Status == domain.HoldConverted && slotKey(h.BranchID, h.SlotStart, h.DurationMin) == key {
			return &domain.SlotConflictError{Sentinel: domain.ErrSlotBooked, ConflictingID: h.ID}, nil
		}
	}
	return nil, nil
}

func (m *mockHoldRepo) Convert(_ context.Context, id, appointmentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok || h.Status != domain.HoldActive || !h.ExpiresAt.After(m.now()) {
		return false, nil
	}
	h.Status = domain.HoldConverted
	h.AppointmentID = &appointmentID
	return true, nil
}

func (m *mockHoldRepo) Release(_ context.Context, id int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok || h.Status != domain.HoldActive {
		return false, nil
	}
	h.Status = domain.HoldReleased
	h.ReleaseReason = reason
	return true, nil
}

func (m *mockHoldRepo) Extend(_ context.Context, id int64, additionalMinutes int) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok || h.Status != domain.HoldActive || !h.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	h.ExpiresAt = h.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute)
	out := h.ExpiresAt
	return &out, nil
}

func (m *mockHoldRepo) ReleaseExpired(_ context.Context, batch int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, h := range m.holds {
		if h.Status == domain.HoldActive && !h.ExpiresAt.After(m.now()) {
			h.Status = domain.HoldExpired
			h.ReleaseReason = "expired"
			n++
			if int(n) >= batch {
				break
			}
		}
	}
	return n, nil
}

// ---------- Tests ----------

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func testHoldService(repo *mockHoldRepo) service.HoldService {
	return service.NewHoldService(repo, nil, clock.NewFixed(testNow))
}

func TestCreateHoldConcurrentOneWinner(t *testing.T) {
	repo := newMockHoldRepo(func() time.Time { return testNow })
	svc := testHoldService(repo)

	slot := testNow.Add(24 * time.Hour)
	const attempts = 20

	var wg sync.WaitGroup
	results := make([]*service.HoldResult, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.CreateHold(context.Background(), service.CreateHoldRequest{
				TenantID:      1,
				SlotStart:     slot,
				DurationMin:   60,
				HolderSession: fmt.Sprintf("session-%d", i),
			})
			if err != nil {
				t.Errorf("CreateHold returned error: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Success {
			winners++
		} else if res.ConflictingID == 0 {
			t.Errorf("declined result missing conflicting id: %+v", res)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestCreateHoldRejectsPastSlot(t *testing.T) {
	repo := newMockHoldRepo(func() time.Time { return testNow })
	svc := testHoldService(repo)

	res, err := svc.CreateHold(context.Background(), service.CreateHoldRequest{
		TenantID:      1,
		SlotStart:     testNow.Add(-time.Hour),
		DurationMin:   30,
		HolderSession: "s1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected past slot to be declined")
	}
}

func TestReleaseHoldIdempotent(t *testing.T) {
	repo := newMockHoldRepo(func() time.Time { return testNow })
	svc := testHoldService(repo)

	res, err := svc.CreateHold(context.Background(), service.CreateHoldRequest{
		TenantID:      1,
		SlotStart:     testNow.Add(time.Hour),
		DurationMin:   30,
		HolderSession: "s1",
	})
	if err != nil || !res.Success {
		t.Fatalf("setup failed: %v %+v", err, res)
	}

	for i := 0; i < 3; i++ {
		if err := svc.ReleaseHold(context.Background(), res.Hold.ID, "customer abandoned"); err != nil {
			t.Fatalf("release %d returned error: %v", i, err)
		}
	}

	hold, err := svc.GetHold(context.Background(), res.Hold.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hold.Status != domain.HoldReleased {
		t.Fatalf("expected released, got %s", hold.Status)
	}
	if hold.ReleaseReason != "customer abandoned" {
		t.Fatalf("release reason overwritten: %q", hold.ReleaseReason)
	}
}

func TestConvertLosesToExpiry(t *testing.T) {
	current := testNow
	repo := newMockHoldRepo(func() time.Time { return current })
	svc := testHoldService(repo)

	res, err := svc.CreateHold(context.Background(), service.CreateHoldRequest{
		TenantID:      1,
		SlotStart:     testNow.Add(time.Hour),
		DurationMin:   30,
		HolderSession: "s1",
		HoldMinutes:   10,
	})
	if err != nil || !res.Success {
		t.Fatalf("setup failed: %v %+v", err, res)
	}

	// sweep runs after the window elapses
	current = testNow.Add(15 * time.Minute)
	n, err := svc.ReleaseExpired(context.Background(), 100)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired hold, got %d (%v)", n, err)
	}

	conv, err := svc.ConvertToAppointment(context.Background(), res.Hold.ID, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Success {
		t.Fatal("conversion should fail after the sweep expired the hold")
	}
	if conv.Hold.Status != domain.HoldExpired {
		t.Fatalf("expected expired, got %s", conv.Hold.Status)
	}
}

func TestConvertThenSweepDoesNotRegress(t *testing.T) {
	current := testNow
	repo := newMockHoldRepo(func() time.Time { return current })
	svc := testHoldService(repo)

	res, err := svc.CreateHold(context.Background(), service.CreateHoldRequest{
		TenantID:      1,
		SlotStart:     testNow.Add(time.Hour),
		DurationMin:   30,
		HolderSession: "s1",
		HoldMinutes:   10,
	})
	if err != nil || !res.Success {
		t.Fatalf("setup failed: %v %+v", err, res)
	}

	conv, err := svc.ConvertToAppointment(context.Background(), res.Hold.ID, 42)
	if err != nil || !conv.Success {
		t.Fatalf("conversion failed: %v %+v", err, conv)
	}

	current = testNow.Add(15 * time.Minute)
	if _, err := svc.ReleaseExpired(context.Background(), 100); err != nil {
		t.Fatalf("sweep error: %v", err)
	}

	hold, _ := svc.GetHold(context.Background(), res.Hold.ID)
	if hold.Status != domain.HoldConverted {
		t.Fatalf("sweep regressed a converted hold to %s", hold.Status)
	}
}

func TestExtendHoldValidation(t *testing.T) {
	repo := newMockHoldRepo(func() time.Time { return testNow })
	svc := testHoldService(repo)

	if _, err := svc.ExtendHold(context.Background(), 1, 0); err != domain.ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.ExtendHold(context.Background(), 999, 10); err != domain.ErrHoldNotFound {
		t.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
}
