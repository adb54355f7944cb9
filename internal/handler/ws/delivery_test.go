package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/adapter/pubsub"
	"github.com/meshline/ds-gateway/internal/auth"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/handler/dispatch"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
)

const testSecret = "unit-test-admission-secret"

type fixture struct {
	srv   *httptest.Server
	convs *service.ConversationService
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
	presence := service.NewPresenceService(store, limiter, bus, cfg, log)
	d := dispatch.New(sessions, convs, log)

	h := NewWSHandler(log, d, br, presence, limiter, cfg)
	r := chi.NewRouter()
	r.Get("/v1/ws", h.ServeHTTP)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		br.Shutdown()
		_ = gch.Close()
		_ = store.Close()
	})
	return &fixture{srv: srv, convs: convs}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
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

func send(t *testing.T, conn *websocket.Conn, typ, id string, body any) {
	t.Helper()
	f, err := wire.NewFrame(typ, id, body)
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(data)
	require.NoError(t, err)
	return f
}

// establish runs the session handshake and returns the bound session for
// seeding conversations out of band.
func (f *fixture) establish(t *testing.T, conn *websocket.Conn, user, device string) model.Session {
	t.Helper()
	send(t, conn, wire.TSessionStart, "start-1", wire.SessionStart{AuthToken: mintToken(t, user, device)})
	fr := recv(t, conn)
	require.Equal(t, wire.TSessionReady, fr.T)
	require.Equal(t, "start-1", fr.ID)
	ready, err := wire.DecodeBody[wire.SessionReady](fr)
	require.NoError(t, err)
	return model.Session{
		SessionToken: ready.SessionToken,
		ResumeToken:  ready.ResumeToken,
		UserID:       model.UserID(user),
		DeviceID:     model.DeviceID(device),
		ExpiresAtMs:  ready.ExpiresAt,
	}
}

func TestSocketHandshakeAndPing(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	f.establish(t, conn, "u-alice", "dev-a1")

	send(t, conn, wire.TPing, "p1", nil)
	pong := recv(t, conn)
	assert.Equal(t, wire.TPong, pong.T)
	assert.Equal(t, "p1", pong.ID)
}

func TestSocketForeignVersionIsFatal(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"v":2,"t":"session.start"}`)))

	fr := recv(t, conn)
	require.Equal(t, wire.TError, fr.T)
	we, err := wire.DecodeBody[wire.Error](fr)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeUnsupportedVersion, we.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "the connection closes after a fatal error")
}

func TestSocketPreAuthOperationIsFatal(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, wire.TConvSend, "s1", wire.ConvSend{ConvID: "c-x", MsgID: "m-1", Env: []byte("x")})

	fr := recv(t, conn)
	require.Equal(t, wire.TError, fr.T)
	we, err := wire.DecodeBody[wire.Error](fr)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeUnauthorized, we.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSocketMalformedFrameKeepsLink(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	f.establish(t, conn, "u-alice", "dev-a1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	fr := recv(t, conn)
	require.Equal(t, wire.TError, fr.T)
	we, err := wire.DecodeBody[wire.Error](fr)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeInvalidRequest, we.Code)

	// Still alive.
	send(t, conn, wire.TPing, "p2", nil)
	assert.Equal(t, wire.TPong, recv(t, conn).T)
}

func TestSocketSendSubscribeRoundTrip(t *testing.T) {
	f := newFixture(t)
	aliceConn := f.dial(t)
	bobConn := f.dial(t)
	alice := f.establish(t, aliceConn, "u-alice", "dev-a1")
	bob := f.establish(t, bobConn, "u-bob", "dev-b1")

	sum, err := f.convs.Create(context.Background(), alice, service.CreateConvRequest{
		Kind: "dm",
		MemberDevices: []service.MemberSpec{
			{DeviceID: string(alice.DeviceID), UserID: string(alice.UserID)},
			{DeviceID: string(bob.DeviceID), UserID: string(bob.UserID)},
		},
	})
	require.NoError(t, err)
	conv := sum.ConvID

	// The sender subscribes first so the accepted event echoes back.
	from := uint64(1)
	send(t, aliceConn, wire.TConvSubscribe, "sub1", wire.ConvSubscribe{ConvID: conv, FromSeq: &from})
	send(t, aliceConn, wire.TConvSend, "send1", wire.ConvSend{ConvID: conv, MsgID: "m-1", Env: []byte("ciphertext")})

	var sawAck, sawEvent bool
	for !sawAck || !sawEvent {
		fr := recv(t, aliceConn)
		switch fr.T {
		case wire.TConvAcked:
			acked, err := wire.DecodeBody[wire.ConvAcked](fr)
			require.NoError(t, err)
			assert.Equal(t, "send1", fr.ID)
			assert.EqualValues(t, 1, acked.Seq)
			sawAck = true
		case wire.TConvEvent:
			ev, err := wire.DecodeBody[wire.ConvEvent](fr)
			require.NoError(t, err)
			assert.EqualValues(t, 1, ev.Seq)
			assert.Equal(t, "m-1", ev.MsgID)
			assert.Equal(t, "gw_test", ev.OriginGateway)
			sawEvent = true
		default:
			t.Fatalf("unexpected frame %s", fr.T)
		}
	}

	// A later subscriber replays the same log.
	send(t, bobConn, wire.TConvSubscribe, "sub2", wire.ConvSubscribe{ConvID: conv, FromSeq: &from})
	fr := recv(t, bobConn)
	require.Equal(t, wire.TConvEvent, fr.T)
	ev, err := wire.DecodeBody[wire.ConvEvent](fr)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.Seq)
	assert.Equal(t, []byte("ciphertext"), ev.Env)
}

func TestSocketStrangerCannotSend(t *testing.T) {
	f := newFixture(t)
	aliceConn := f.dial(t)
	bobConn := f.dial(t)
	mallConn := f.dial(t)
	alice := f.establish(t, aliceConn, "u-alice", "dev-a1")
	bob := f.establish(t, bobConn, "u-bob", "dev-b1")
	f.establish(t, mallConn, "u-mallory", "dev-m1")

	sum, err := f.convs.Create(context.Background(), alice, service.CreateConvRequest{
		Kind: "dm",
		MemberDevices: []service.MemberSpec{
			{DeviceID: string(alice.DeviceID), UserID: string(alice.UserID)},
			{DeviceID: string(bob.DeviceID), UserID: string(bob.UserID)},
		},
	})
	require.NoError(t, err)

	send(t, mallConn, wire.TConvSend, "s1", wire.ConvSend{ConvID: sum.ConvID, MsgID: "m-1", Env: []byte("x")})
	fr := recv(t, mallConn)
	require.Equal(t, wire.TError, fr.T)
	assert.Equal(t, "s1", fr.ID)
	we, err := wire.DecodeBody[wire.Error](fr)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeForbidden, we.Code)

	// Non-fatal: the stranger's own link survives.
	send(t, mallConn, wire.TPing, "p1", nil)
	assert.Equal(t, wire.TPong, recv(t, mallConn).T)
}
