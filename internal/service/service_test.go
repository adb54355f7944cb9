package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/require"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/adapter/pubsub"
	"github.com/meshline/ds-gateway/internal/auth"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/storage"
)

const testSecret = "unit-test-admission-secret"

// testConfig leaves every rate policy zeroed so buckets stay disabled
// unless a test reloads the limiter with explicit shapes.
func testConfig() *config.Config {
	return &config.Config{
		GatewayID:           "gw_test",
		ListenAddr:          ":0",
		AuthSecret:          testSecret,
		SessionTTLSeconds:   3600,
		EnvelopeByteCap:     1 << 16,
		FrameByteCap:        1<<16 + 1024,
		KeyPackagePoolCap:   4,
		WatchCap:            8,
		ReplayBatchSize:     64,
		SubscriberQueueSize: 32,
		OutboundQueueSize:   64,
		MaxSubsPerLink:      16,
	}
}

type fixture struct {
	cfg      *config.Config
	store    *storage.Store
	br       *broker.Broker
	limiter  *ratelimit.Limiter
	bus      pubsub.PresenceDispatcher
	sessions *SessionService
	convs    *ConversationService
	kps      *KeyPackageService
	presence *PresenceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.Open(cfg, log)
	require.NoError(t, err)

	br := broker.New(store, log)
	limiter := ratelimit.New(cfg)
	gch := pubsub.NewBus(watermill.NopLogger{})
	bus := pubsub.NewPresenceDispatcher(gch)
	verifier := auth.NewVerifier(cfg.AuthSecret)

	f := &fixture{
		cfg:      cfg,
		store:    store,
		br:       br,
		limiter:  limiter,
		bus:      bus,
		sessions: NewSessionService(store, verifier, br, cfg),
		convs:    NewConversationService(store, br, limiter, cfg),
		kps:      NewKeyPackageService(store, limiter, cfg),
		presence: NewPresenceService(store, limiter, bus, cfg, log),
	}
	t.Cleanup(func() {
		br.Shutdown()
		_ = gch.Close()
		_ = store.Close()
	})
	return f
}

func mintToken(t *testing.T, user, device string) string {
	t.Helper()
	tok, err := auth.Mint(testSecret, auth.Claims{
		UserID:    model.UserID(user),
		DeviceID:  model.DeviceID(device),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return tok
}

func (f *fixture) startSession(t *testing.T, user, device string) model.Session {
	t.Helper()
	_, sess, err := f.sessions.Start(context.Background(), wire.SessionStart{
		AuthToken: mintToken(t, user, device),
	})
	require.NoError(t, err)
	return sess
}

// dm creates a two-device direct conversation between the two sessions.
func (f *fixture) dm(t *testing.T, a, b model.Session) model.ConvID {
	t.Helper()
	sum, err := f.convs.Create(context.Background(), a, CreateConvRequest{
		Kind: "dm",
		MemberDevices: []MemberSpec{
			{DeviceID: string(a.DeviceID), UserID: string(a.UserID)},
			{DeviceID: string(b.DeviceID), UserID: string(b.UserID)},
		},
	})
	require.NoError(t, err)
	return model.ConvID(sum.ConvID)
}

// room creates a room owned by the first session containing all of them.
func (f *fixture) room(t *testing.T, owner model.Session, rest ...model.Session) model.ConvID {
	t.Helper()
	specs := []MemberSpec{{DeviceID: string(owner.DeviceID), UserID: string(owner.UserID)}}
	for _, s := range rest {
		specs = append(specs, MemberSpec{DeviceID: string(s.DeviceID), UserID: string(s.UserID)})
	}
	sum, err := f.convs.Create(context.Background(), owner, CreateConvRequest{
		Kind:          "room",
		MemberDevices: specs,
	})
	require.NoError(t, err)
	return model.ConvID(sum.ConvID)
}

func wireCode(t *testing.T, err error) wire.Code {
	t.Helper()
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	return we.Code
}
