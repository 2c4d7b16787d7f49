package onboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/platform"
	"github.com/voxpool/chorus/internal/registry"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeStarter struct {
	mu      sync.Mutex
	err     error
	started []string
}

func (s *fakeStarter) Start(ctx context.Context, a models.Assistant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.started = append(s.started, a.ID)
	return nil
}

type fixture struct {
	db      *gorm.DB
	mgr     *Manager
	reg     *registry.Registry
	auth    *platform.MockAuthenticator
	starter *fakeStarter
	now     time.Time
	nowMu   sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.nowMu.Lock()
	f.now = f.now.Add(d)
	f.nowMu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Assistant{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	reg, err := registry.New(registry.Opts{DB: db, MaxCallsPerAssistant: 5, TopK: 3})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	f := &fixture{
		db:      db,
		reg:     reg,
		auth:    platform.NewMockAuthenticator(),
		starter: &fakeStarter{},
		now:     time.Unix(50000, 0),
	}
	f.auth.RegisterAccount("+15550001234", platform.MockAccount{
		Code: "13579",
		Blob: "blob-a9",
		User: platform.UserInfo{ID: "a9", DisplayName: "Helper Nine", Username: "helper_nine"},
	})

	mgr, err := New(Opts{
		DB:            db,
		Registry:      reg,
		Authenticator: f.auth,
		Starter:       f.starter,
		Now: func() time.Time {
			f.nowMu.Lock()
			defer f.nowMu.Unlock()
			return f.now
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.mgr = mgr
	return f
}

func TestFlow_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if st, ok := f.mgr.State("owner"); !ok || st != StatePhone {
		t.Fatalf("state = %q,%v, want await-phone", st, ok)
	}

	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if st, _ := f.mgr.State("owner"); st != StateCode {
		t.Fatalf("state = %q, want await-code", st)
	}

	snap, err := f.mgr.SubmitCode(ctx, "owner", "13579")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if snap.ID != "a9" {
		t.Errorf("snapshot id = %q, want a9", snap.ID)
	}

	var a models.Assistant
	if err := f.db.First(&a, "id = ?", "a9").Error; err != nil {
		t.Fatalf("load assistant: %v", err)
	}
	if a.SessionBlob != "blob-a9" || a.Phone != "+15550001234" || !a.IsActive {
		t.Errorf("persisted assistant = %+v, want blob, phone and active set", a)
	}
	if len(f.starter.started) != 1 || f.starter.started[0] != "a9" {
		t.Errorf("started = %v, want [a9]", f.starter.started)
	}
	if st, ok := f.mgr.State("owner"); !ok || st != StateDone {
		t.Errorf("state = %q,%v, want done marker kept after completion", st, ok)
	}
}

func TestSubmitCode_RepeatAfterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	first, err := f.mgr.SubmitCode(ctx, "owner", "13579")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}

	// A duplicate submission after success answers with the same result
	// instead of failing, and nothing runs twice.
	again, err := f.mgr.SubmitCode(ctx, "owner", "13579")
	if err != nil {
		t.Fatalf("repeat SubmitCode = %v, want same result back", err)
	}
	if again.ID != first.ID {
		t.Errorf("repeat snapshot id = %q, want %q", again.ID, first.ID)
	}
	if len(f.starter.started) != 1 {
		t.Errorf("starter ran %d times, want once", len(f.starter.started))
	}

	// A completed flow does not block starting over for another account.
	if err := f.mgr.Begin("owner"); err != nil {
		t.Errorf("Begin after completion = %v, want fresh flow", err)
	}
}

func TestBegin_SecondFlowNeedsCancel(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.Begin("owner"); !errors.Is(err, ErrFlowActive) {
		t.Fatalf("second Begin = %v, want ErrFlowActive", err)
	}
	f.mgr.Cancel("owner")
	if err := f.mgr.Begin("owner"); err != nil {
		t.Errorf("Begin after cancel = %v, want a fresh flow", err)
	}
}

func TestSubmitPhone_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for _, phone := range []string{"15550001234", "+1555", "+1555000abcd", ""} {
		if err := f.mgr.SubmitPhone(ctx, "owner", phone); !errors.Is(err, ErrBadPhone) {
			t.Errorf("SubmitPhone(%q) = %v, want ErrBadPhone", phone, err)
		}
	}
	// A rejected phone leaves the flow waiting for another one.
	if st, _ := f.mgr.State("owner"); st != StatePhone {
		t.Errorf("state = %q, want still await-phone", st)
	}
}

func TestSubmitPhone_TenCharacterMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.auth.RegisterAccount("+123456789", platform.MockAccount{
		Code: "24680",
		Blob: "blob-b2",
		User: platform.UserInfo{ID: "b2", DisplayName: "Helper Two", Username: "helper_two"},
	})

	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Nine digits after the plus is exactly ten characters and passes.
	if err := f.mgr.SubmitPhone(ctx, "owner", "+123456789"); err != nil {
		t.Fatalf("SubmitPhone(+123456789) = %v, want accepted", err)
	}

	f.mgr.Cancel("owner")
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.SubmitPhone(ctx, "owner", "+12345678"); !errors.Is(err, ErrBadPhone) {
		t.Errorf("SubmitPhone(+12345678) = %v, want ErrBadPhone", err)
	}
}

func TestSubmitCode_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	for _, code := range []string{"1357", "135791", "13a79", ""} {
		if _, err := f.mgr.SubmitCode(ctx, "owner", code); !errors.Is(err, ErrBadCode) {
			t.Errorf("SubmitCode(%q) = %v, want ErrBadCode", code, err)
		}
	}
}

func TestSubmitCode_WrongCodeAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}

	if _, err := f.mgr.SubmitCode(ctx, "owner", "00000"); err == nil {
		t.Fatal("wrong code should fail")
	}
	if st, ok := f.mgr.State("owner"); !ok || st != StateCode {
		t.Fatalf("state = %q,%v, want flow still awaiting code", st, ok)
	}
	if _, err := f.mgr.SubmitCode(ctx, "owner", "13579"); err != nil {
		t.Fatalf("retry with right code: %v", err)
	}
}

func TestSubmitCode_ConnectFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.starter.err = errors.New("gateway unreachable")

	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if _, err := f.mgr.SubmitCode(ctx, "owner", "13579"); err == nil {
		t.Fatal("expected connect failure")
	}

	var n int64
	f.db.Model(&models.Assistant{}).Where("id = ?", "a9").Count(&n)
	if n != 0 {
		t.Errorf("assistant rows = %d, want the new row rolled back", n)
	}
	if _, ok := f.reg.Get("a9"); ok {
		t.Error("registry should not keep a rolled-back assistant")
	}
}

func TestSubmitCode_RefreshKeepsExistingRowOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The account is already in the pool with a stale session.
	old := models.Assistant{ID: "a9", SessionBlob: "stale", IsActive: true, Health: models.HealthUnauthorised}
	if err := f.db.Create(&old).Error; err != nil {
		t.Fatalf("seed assistant: %v", err)
	}
	f.starter.err = errors.New("gateway unreachable")

	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if _, err := f.mgr.SubmitCode(ctx, "owner", "13579"); err == nil {
		t.Fatal("expected connect failure")
	}

	var n int64
	f.db.Model(&models.Assistant{}).Where("id = ?", "a9").Count(&n)
	if n != 1 {
		t.Errorf("assistant rows = %d, want the pre-existing row kept", n)
	}
}

// cappedManager builds a second manager over the fixture's dependencies
// with a bounded pool.
func (f *fixture) cappedManager(t *testing.T, max int) *Manager {
	t.Helper()
	mgr, err := New(Opts{
		DB:            f.db,
		Registry:      f.reg,
		Authenticator: f.auth,
		Starter:       f.starter,
		MaxAssistants: max,
		Now: func() time.Time {
			f.nowMu.Lock()
			defer f.nowMu.Unlock()
			return f.now
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr
}

func TestSubmitCode_PoolFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mgr := f.cappedManager(t, 1)

	// One active assistant already fills the pool.
	seed := models.Assistant{ID: "b1", SessionBlob: "blob-b1", IsActive: true, Health: models.HealthAuthorised}
	if err := f.db.Create(&seed).Error; err != nil {
		t.Fatalf("seed assistant: %v", err)
	}

	if err := mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if _, err := mgr.SubmitCode(ctx, "owner", "13579"); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("SubmitCode = %v, want ErrPoolFull", err)
	}

	var n int64
	f.db.Model(&models.Assistant{}).Where("id = ?", "a9").Count(&n)
	if n != 0 {
		t.Errorf("assistant rows = %d, want none persisted past the cap", n)
	}
	if len(f.starter.started) != 0 {
		t.Errorf("started = %v, want no connect attempt past the cap", f.starter.started)
	}
}

func TestSubmitCode_PoolFullAllowsRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mgr := f.cappedManager(t, 1)

	// The account being onboarded already holds the pool's only slot;
	// refreshing its session must not count against the cap.
	seed := models.Assistant{ID: "a9", SessionBlob: "stale", IsActive: true, Health: models.HealthUnauthorised}
	if err := f.db.Create(&seed).Error; err != nil {
		t.Fatalf("seed assistant: %v", err)
	}

	if err := mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := mgr.SubmitPhone(ctx, "owner", "+15550001234"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if _, err := mgr.SubmitCode(ctx, "owner", "13579"); err != nil {
		t.Fatalf("SubmitCode = %v, want refresh to pass the cap", err)
	}

	var a models.Assistant
	if err := f.db.First(&a, "id = ?", "a9").Error; err != nil {
		t.Fatalf("load assistant: %v", err)
	}
	if a.SessionBlob != "blob-a9" {
		t.Errorf("session blob = %q, want the refreshed one", a.SessionBlob)
	}
}

func TestFlow_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	f.advance(FlowTTL + time.Minute)
	if err := f.mgr.SubmitPhone(ctx, "owner", "+15550001234"); !errors.Is(err, ErrNoFlow) {
		t.Fatalf("SubmitPhone on stale flow = %v, want ErrNoFlow", err)
	}
	// The expired flow no longer blocks a fresh one.
	if err := f.mgr.Begin("owner"); err != nil {
		t.Errorf("Begin after expiry = %v, want fresh flow", err)
	}
}

func TestFlows_ConcurrentAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = f.mgr.Begin("owner")
				f.mgr.State("owner")
				_ = f.mgr.SubmitPhone(ctx, "owner", "+15550001234")
				f.mgr.SubmitCode(ctx, "owner", "13579")
				f.mgr.Cancel("owner")
			}
		}()
	}
	wg.Wait()
}

func TestSubmitCode_BeforePhone(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.Begin("owner"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := f.mgr.SubmitCode(context.Background(), "owner", "13579"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("err = %v, want ErrWrongState", err)
	}
}
