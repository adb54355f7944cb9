package sweeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/adapter/pubsub"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		GatewayID:                     "gw_test",
		ListenAddr:                    ":0",
		SessionTTLSeconds:             3600,
		EnvelopeByteCap:               1 << 16,
		FrameByteCap:                  1<<16 + 1024,
		KeyPackagePoolCap:             8,
		WatchCap:                      8,
		RetentionMaxEventsPerConv:     2,
		RetentionSweepIntervalSeconds: 60,
		RetentionHardLimits:           true,
	}
}

type fixture struct {
	store *storage.Store
	sw    *Sweeper
}

func newFixture(t *testing.T, cfg *config.Config, opts ...Option) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.Open(cfg, log)
	require.NoError(t, err)
	gch := pubsub.NewBus(watermill.NopLogger{})
	bus := pubsub.NewPresenceDispatcher(gch)
	presence := service.NewPresenceService(store, ratelimit.New(cfg), bus, cfg, log)

	sw := New(store, presence, cfg, log, opts...)
	t.Cleanup(func() {
		sw.Shutdown()
		_ = gch.Close()
		_ = store.Close()
	})
	return &fixture{store: store, sw: sw}
}

// seedConv creates a room with one member device and appends n events.
func seedConv(t *testing.T, store *storage.Store, conv string, n int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UnixMilli()
	require.NoError(t, store.CreateConversation(ctx,
		model.Conversation{ID: model.ConvID(conv), Kind: model.KindRoom, Home: "gw_test", Creator: "u-alice", CreatedAtMs: now},
		[]model.Member{{ConvID: model.ConvID(conv), DeviceID: "dev-a1", UserID: "u-alice", Role: model.RoleOwner, AddedMs: now}},
	))
	for i := 1; i <= n; i++ {
		_, err := store.AppendEvent(ctx, model.ConvID(conv), fmt.Sprintf("m-%d", i), []byte("env"), now)
		require.NoError(t, err)
	}
}

func TestRetentionPassHardCapsEvents(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	seedConv(t, f.store, "c-hard", 5)

	f.sw.retentionPass(context.Background())

	n, err := f.store.EventCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	w, err := f.store.ReplayWindow(context.Background(), "c-hard")
	require.NoError(t, err)
	assert.EqualValues(t, 4, w.Earliest, "oldest rows go first")
	assert.EqualValues(t, 5, w.Latest)
	assert.EqualValues(t, 6, w.NextSeq, "the seq counter never rewinds")
}

func TestRetentionPassSafeHoldsForUnackedCursor(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionHardLimits = false
	f := newFixture(t, cfg)
	seedConv(t, f.store, "c-safe", 5)

	// A device still at seq 1 pins everything after it.
	require.NoError(t, f.store.AckCursor(context.Background(), "dev-a1", "c-safe", 1))
	f.sw.retentionPass(context.Background())

	n, err := f.store.EventCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, n, "safe mode never prunes unread events")

	// Once the cursor catches up the cap applies again.
	require.NoError(t, f.store.AckCursor(context.Background(), "dev-a1", "c-safe", 5))
	f.sw.retentionPass(context.Background())

	n, err = f.store.EventCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestRetentionPassPurgesDeadSessionsAndSpentKeyPackages(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionMaxEventsPerConv = 0 // events out of the picture
	f := newFixture(t, cfg, WithPurgeGrace(0))
	ctx := context.Background()

	require.NoError(t, f.store.InsertSession(ctx, model.Session{
		SessionToken: "st_dead",
		ResumeToken:  "rt_dead",
		DeviceID:     "dev-a1",
		UserID:       "u-alice",
		CreatedAtMs:  time.Now().Add(-2 * time.Hour).UnixMilli(),
		ExpiresAtMs:  time.Now().Add(-time.Hour).UnixMilli(),
	}))
	require.NoError(t, f.store.PublishKeyPackages(ctx, "dev-a1", "u-alice", [][]byte{[]byte("kp-1")}, cfg.KeyPackagePoolCap))
	served, err := f.store.ConsumeKeyPackages(ctx, "u-alice", 1)
	require.NoError(t, err)
	require.Len(t, served, 1)

	// Let the wall clock tick past the seeding millisecond.
	time.Sleep(5 * time.Millisecond)
	f.sw.retentionPass(ctx)

	sessions, err := f.store.UserSessions(ctx, "u-alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Nothing spent left behind for a later purge to find.
	n, err := f.store.PurgeSpentKeyPackages(ctx, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresencePassLatchesExpiredLeases(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.UpsertLease(ctx, model.PresenceLease{
		DeviceID:      "dev-b1",
		UserID:        "u-bob",
		Status:        model.StatusOnline,
		ExpiresAtMs:   now.Add(-time.Minute).UnixMilli(),
		LastRenewedMs: now.Add(-2 * time.Minute).UnixMilli(),
	}))

	f.sw.presencePass(ctx)

	leases, err := f.store.ExpiredLeases(ctx, time.Now().UnixMilli(), 10)
	require.NoError(t, err)
	assert.Empty(t, leases, "the pass latches what it announced")
}

func TestStartRunsPresenceLoopUntilShutdown(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, WithPresenceInterval(10*time.Millisecond))
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.UpsertLease(ctx, model.PresenceLease{
		DeviceID:      "dev-b1",
		UserID:        "u-bob",
		Status:        model.StatusOnline,
		ExpiresAtMs:   now.Add(-time.Minute).UnixMilli(),
		LastRenewedMs: now.Add(-2 * time.Minute).UnixMilli(),
	}))

	f.sw.Start()
	require.Eventually(t, func() bool {
		leases, err := f.store.ExpiredLeases(ctx, time.Now().UnixMilli(), 10)
		return err == nil && len(leases) == 0
	}, 2*time.Second, 10*time.Millisecond)

	f.sw.Shutdown()
}
