package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/adapter/pubsub"
	"github.com/meshline/ds-gateway/internal/auth"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
)

const testSecret = "unit-test-admission-secret"

type fixture struct {
	srv      *httptest.Server
	sessions *service.SessionService
	convs    *service.ConversationService
	presence *service.PresenceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		GatewayID:                "gw_test",
		ListenAddr:               ":0",
		AuthSecret:               testSecret,
		SessionTTLSeconds:        3600,
		HeartbeatIntervalSeconds: 30,
		EnvelopeByteCap:          1 << 16,
		FrameByteCap:             1<<16 + 1024,
		KeyPackagePoolCap:        4,
		WatchCap:                 8,
		ReplayBatchSize:          64,
		SubscriberQueueSize:      32,
		OutboundQueueSize:        64,
		MaxSubsPerLink:           16,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.Open(cfg, log)
	require.NoError(t, err)
	br := broker.New(store, log)
	limiter := ratelimit.New(cfg)
	gch := pubsub.NewBus(watermill.NopLogger{})
	bus := pubsub.NewPresenceDispatcher(gch)

	sessions := service.NewSessionService(store, auth.NewVerifier(cfg.AuthSecret), br, cfg)
	convs := service.NewConversationService(store, br, limiter, cfg)
	kps := service.NewKeyPackageService(store, limiter, cfg)
	presence := service.NewPresenceService(store, limiter, bus, cfg, log)

	h := NewRESTHandler(log, sessions, convs, kps, presence, br, store, cfg)
	r := chi.NewRouter()
	h.Mount(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		br.Shutdown()
		_ = gch.Close()
		_ = store.Close()
	})
	return &fixture{srv: srv, sessions: sessions, convs: convs, presence: presence}
}

func (f *fixture) establish(t *testing.T, user, device string) model.Session {
	t.Helper()
	tok, err := auth.Mint(testSecret, auth.Claims{
		UserID:    model.UserID(user),
		DeviceID:  model.DeviceID(device),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, sess, err := f.sessions.Start(context.Background(), wire.SessionStart{AuthToken: tok})
	require.NoError(t, err)
	return sess
}

func (f *fixture) do(t *testing.T, method, token, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorCode(t *testing.T, resp *http.Response) wire.Code {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	fr, err := wire.Decode(data)
	require.NoError(t, err)
	we, err := wire.DecodeBody[wire.Error](fr)
	require.NoError(t, err)
	return we.Code
}

func TestHealthzIsOpen(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "", "/v1/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeInto[healthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "gw_test", health.GatewayID)
}

func TestBearerGuardsEverythingElse(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "", "/v1/presence/lease", service.LeaseRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = f.do(t, http.MethodGet, "st_counterfeit", "/v1/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPresenceLeaseRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/presence/lease", service.LeaseRequest{
		Status:     "busy",
		TTLSeconds: 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	lease := decodeInto[service.LeaseResponse](t, resp)
	assert.Equal(t, "busy", lease.Status)
	assert.InDelta(t, time.Now().Add(60*time.Second).UnixMilli(), lease.ExpiresAt, 2000)
}

func TestPresenceWatchReturnsMutualState(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	bob := f.establish(t, "u-bob", "dev-b1")
	ctx := context.Background()

	_, err := f.presence.Lease(ctx, bob, service.LeaseRequest{})
	require.NoError(t, err)
	_, err = f.presence.Watch(ctx, bob, service.WatchRequest{Contacts: []string{"u-alice"}})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/presence/watch", service.WatchRequest{
		Contacts: []string{"u-bob"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	watch := decodeInto[service.WatchResponse](t, resp)
	require.Len(t, watch.Contacts, 1)
	assert.Equal(t, "u-bob", watch.Contacts[0].UserID)
	assert.Equal(t, "online", watch.Contacts[0].Status)
}

func TestKeyPackageLifecycle(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	bob := f.establish(t, "u-bob", "dev-b1")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/keypackages", service.PublishKeyPackagesRequest{
		Blobs: [][]byte{[]byte("kp-1"), []byte("kp-2")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pub := decodeInto[service.PublishKeyPackagesResponse](t, resp)
	assert.Equal(t, 2, pub.Accepted)
	assert.Equal(t, 2, pub.PoolSize)
	assert.Equal(t, "gw_test", pub.ServedBy)

	resp = f.do(t, http.MethodPost, bob.SessionToken, "/v1/keypackages/fetch", service.FetchKeyPackagesRequest{
		UserID: "u-alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetch := decodeInto[service.FetchKeyPackagesResponse](t, resp)
	require.Len(t, fetch.Packages, 1)
	assert.Equal(t, "dev-a1", fetch.Packages[0].DeviceID)
	assert.Equal(t, "gw_test", fetch.UserHomeGateway)

	// One blob was served; rotate revokes the remaining one.
	resp = f.do(t, http.MethodPost, alice.SessionToken, "/v1/keypackages/rotate", service.RotateKeyPackagesRequest{
		Revoke: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rot := decodeInto[service.RotateKeyPackagesResponse](t, resp)
	assert.EqualValues(t, 1, rot.Revoked)
	assert.Equal(t, 0, rot.PoolSize)
}

func TestSessionListNeverLeaksTokens(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	f.establish(t, "u-alice", "dev-a2")

	resp := f.do(t, http.MethodGet, alice.SessionToken, "/v1/session/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(data), alice.SessionToken)
	assert.NotContains(t, string(data), alice.ResumeToken)

	var list sessionListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Sessions, 2)
	current := 0
	for _, s := range list.Sessions {
		if s.Current {
			current++
			assert.Equal(t, "dev-a1", s.DeviceID)
		}
	}
	assert.Equal(t, 1, current, "exactly one session is the caller's")
}

func TestSessionRevokeByDevice(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	other := f.establish(t, "u-alice", "dev-a2")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/session/revoke", revokeRequest{DeviceID: "dev-a2"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, other.SessionToken, "/v1/session/list", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, alice.SessionToken, "/v1/session/revoke", revokeRequest{DeviceID: "dev-ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionSelfRevokeNeedsNoBody(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/session/revoke", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, alice.SessionToken, "/v1/session/list", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutAllSweepsTheUser(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	other := f.establish(t, "u-alice", "dev-a2")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/session/logout_all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeInto[logoutAllResponse](t, resp)
	assert.EqualValues(t, 2, out.Revoked)

	for _, tok := range []string{alice.SessionToken, other.SessionToken} {
		resp = f.do(t, http.MethodGet, tok, "/v1/session/list", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestConvAdminLifecycle(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	bob := f.establish(t, "u-bob", "dev-b1")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/conv/create", service.CreateConvRequest{
		Kind:          "room",
		MemberDevices: []service.MemberSpec{{DeviceID: "dev-a1", UserID: "u-alice"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decodeInto[service.ConvSummary](t, resp)
	assert.Equal(t, "room", sum.Kind)
	assert.Equal(t, "gw_test", sum.ConvHome)
	assert.Equal(t, "gw_test", sum.OriginGateway)
	assert.Equal(t, 1, sum.Members)

	resp = f.do(t, http.MethodPost, alice.SessionToken, "/v1/conv/members", service.UpdateMembersRequest{
		ConvID: sum.ConvID,
		Add:    []service.MemberSpec{{DeviceID: "dev-b1", UserID: "u-bob"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum = decodeInto[service.ConvSummary](t, resp)
	assert.Equal(t, 2, sum.Members)

	// Plain members cannot mutate the roster.
	resp = f.do(t, http.MethodPost, bob.SessionToken, "/v1/conv/members", service.UpdateMembersRequest{
		ConvID: sum.ConvID,
		Add:    []service.MemberSpec{{DeviceID: "dev-c1", UserID: "u-carol"}},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, wire.CodeForbidden, errorCode(t, resp))
}

func TestBlocklistStopsDMCreate(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	bob := f.establish(t, "u-bob", "dev-b1")

	resp := f.do(t, http.MethodPost, alice.SessionToken, "/v1/blocklist", service.BlocklistRequest{
		Block: []string{"u-bob"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, bob.SessionToken, "/v1/conv/create", service.CreateConvRequest{
		Kind: "dm",
		MemberDevices: []service.MemberSpec{
			{DeviceID: "dev-b1", UserID: "u-bob"},
			{DeviceID: "dev-a1", UserID: "u-alice"},
		},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, wire.CodeBlocked, errorCode(t, resp))
}

func TestStatsReportsGatewayTotals(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")
	ctx := context.Background()

	sum, err := f.convs.Create(ctx, alice, service.CreateConvRequest{
		Kind:          "room",
		MemberDevices: []service.MemberSpec{{DeviceID: "dev-a1", UserID: "u-alice"}},
	})
	require.NoError(t, err)
	_, err = f.convs.Send(ctx, alice, wire.ConvSend{ConvID: sum.ConvID, MsgID: "m-1", Env: []byte("x")})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, alice.SessionToken, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeInto[statsResponse](t, resp)
	assert.Equal(t, "gw_test", stats.GatewayID)
	assert.EqualValues(t, 1, stats.Conversations)
	assert.EqualValues(t, 1, stats.Events)
	assert.EqualValues(t, 1, stats.LiveSessions)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, int64(0))
	assert.Empty(t, stats.LaneDetail, "lane detail is opt-in")

	resp = f.do(t, http.MethodGet, alice.SessionToken, "/v1/stats?lanes=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats = decodeInto[statsResponse](t, resp)
	require.Len(t, stats.LaneDetail, 1)
	assert.Equal(t, model.ConvID(sum.ConvID), stats.LaneDetail[0].ConvID)
	assert.EqualValues(t, 1, stats.LaneDetail[0].HeadSeq)
}

func TestMalformedBodyIsRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.establish(t, "u-alice", "dev-a1")

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/conv/create", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice.SessionToken)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, wire.CodeInvalidRequest, errorCode(t, resp))
}
