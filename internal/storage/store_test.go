package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/domain/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{GatewayID: "gw_test"}
	s, err := Open(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedConv creates a room whose member devices are named "<dev>" owned by
// user "u-<dev>".
func seedConv(t *testing.T, s *Store, id model.ConvID, devices ...string) {
	t.Helper()
	members := make([]model.Member, 0, len(devices))
	for i, d := range devices {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleOwner
		}
		members = append(members, model.Member{
			ConvID:   id,
			DeviceID: model.DeviceID(d),
			UserID:   model.UserID("u-" + d),
			Role:     role,
			AddedMs:  int64(i),
		})
	}
	err := s.CreateConversation(context.Background(), model.Conversation{
		ID:          id,
		Kind:        model.KindRoom,
		Home:        s.GatewayID(),
		Creator:     members[0].UserID,
		CreatedAtMs: 1,
	}, members)
	require.NoError(t, err)
}

func TestOpenAppliesSchemaTwice(t *testing.T) {
	// Re-applying the schema must be harmless (IF NOT EXISTS all the way).
	s := newTestStore(t)
	_, err := s.db.Exec(schema)
	require.NoError(t, err)
}

func TestMembershipRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConv(t, s, "c1", "dA", "dB")

	m, ok, err := s.Membership(ctx, "c1", "dA")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.RoleOwner, m.Role)
	require.Equal(t, model.UserID("u-dA"), m.UserID)

	_, ok, err = s.Membership(ctx, "c1", "stranger")
	require.NoError(t, err)
	require.False(t, ok)

	members, err := s.Members(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 2)

	require.NoError(t, s.RemoveMembers(ctx, "c1", []model.DeviceID{"dB"}))
	members, err = s.Members(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestDeviceConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConv(t, s, "c1", "dA", "dB")
	seedConv(t, s, "c2", "dA")

	ids, err := s.DeviceConversations(ctx, "dA")
	require.NoError(t, err)
	require.Equal(t, []model.ConvID{"c1", "c2"}, ids)
}

func TestAppendEventOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConv(t, s, "c1", "dA")

	for i, msg := range []string{"m-1", "m-2", "m-3"} {
		res, err := s.AppendEvent(ctx, "c1", msg, []byte("env"), int64(i))
		require.NoError(t, err)
		require.EqualValues(t, i+1, res.Seq)
		require.False(t, res.Duplicate)
	}

	// Retrying an accepted message returns its original seq and leaves
	// the counter alone.
	res, err := s.AppendEvent(ctx, "c1", "m-2", []byte("other bytes"), 9)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Seq)
	require.True(t, res.Duplicate)

	res, err = s.AppendEvent(ctx, "c1", "m-4", []byte("env"), 9)
	require.NoError(t, err)
	require.EqualValues(t, 4, res.Seq)
}

func TestAppendEventUnknownConv(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendEvent(context.Background(), "ghost", "m-1", []byte("env"), 1)
	require.ErrorIs(t, err, ErrUnknownConv)
}

func TestReplayEventsPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConv(t, s, "c1", "dA")
	for i := 1; i <= 5; i++ {
		_, err := s.AppendEvent(ctx, "c1", fmt.Sprintf("m-%d", i), []byte{byte(i)}, int64(i))
		require.NoError(t, err)
	}

	page, err := s.ReplayEvents(ctx, "c1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 2, page[0].Seq)
	require.EqualValues(t, 3, page[1].Seq)
	require.Equal(t, []byte{2}, page[0].Env)
	require.Equal(t, "gw_test", page[0].OriginGateway)

	page, err = s.ReplayEvents(ctx, "c1", 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 5, page[1].Seq)

	page, err = s.ReplayEvents(ctx, "c1", 6, 2)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestReplayWindowContains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedConv(t, s, "c1", "dA")

	w, err := s.ReplayWindow(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, Window{Earliest: 0, Latest: 0, NextSeq: 1}, w)
	require.True(t, w.Contains(1))

	for i := 1; i <= 3; i++ {
		_, err := s.AppendEvent(ctx, "c1", fmt.Sprintf("m-%d", i), []byte("env"), int64(i))
		require.NoError(t, err)
	}
	w, err = s.ReplayWindow(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, Window{Earliest: 1, Latest: 3, NextSeq: 4}, w)
	require.True(t, w.Contains(1))
	require.True(t, w.Contains(4), "attaching at the next unwritten seq is gapless")

	// Simulate retention dropping the head of the log.
	_, err = s.db.Exec(`DELETE FROM conv_events WHERE conv_id = 'c1' AND seq <= 2`)
	require.NoError(t, err)
	w, err = s.ReplayWindow(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, Window{Earliest: 3, Latest: 3, NextSeq: 4}, w)
	require.False(t, w.Contains(1))
	require.False(t, w.Contains(2))
	require.True(t, w.Contains(3))
}

func TestCursorNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next, err := s.Cursor(ctx, "dA", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, next, "missing cursors read as the implicit start")

	require.NoError(t, s.AckCursor(ctx, "dA", "c1", 5))
	next, err = s.Cursor(ctx, "dA", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 6, next)

	// A stale ack is a no-op.
	require.NoError(t, s.AckCursor(ctx, "dA", "c1", 3))
	next, err = s.Cursor(ctx, "dA", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 6, next)

	require.NoError(t, s.AckCursor(ctx, "dA", "c1", 9))
	require.NoError(t, s.AckCursor(ctx, "dA", "c0", 1))

	cursors, err := s.DeviceCursors(ctx, "dA")
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	require.Equal(t, model.ConvID("c0"), cursors[0].ConvID)
	require.EqualValues(t, 10, cursors[1].NextSeq)
}

func insertSession(t *testing.T, s *Store, token, resume, device, user string) model.Session {
	t.Helper()
	sess := model.Session{
		SessionToken: token,
		ResumeToken:  resume,
		DeviceID:     model.DeviceID(device),
		UserID:       model.UserID(user),
		CreatedAtMs:  nowMs(),
		ExpiresAtMs:  time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, s.InsertSession(context.Background(), sess))
	return sess
}

func TestResumeTokenRotationIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "st_1", "rt_1", "dA", "uA")

	require.NoError(t, s.RotateResumeToken(ctx, "rt_1", "rt_2"))

	// The spent token loses the race forever.
	require.ErrorIs(t, s.RotateResumeToken(ctx, "rt_1", "rt_3"), ErrNoSession)
	_, err := s.SessionByResumeToken(ctx, "rt_1")
	require.ErrorIs(t, err, ErrNoSession)

	sess, err := s.SessionByResumeToken(ctx, "rt_2")
	require.NoError(t, err)
	require.Equal(t, "st_1", sess.SessionToken)

	// Revocation blocks further rotation too.
	require.NoError(t, s.RevokeSession(ctx, "st_1"))
	require.ErrorIs(t, s.RotateResumeToken(ctx, "rt_2", "rt_4"), ErrNoSession)
}

func TestRevokeScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "st_a1", "rt_a1", "dA1", "uA")
	insertSession(t, s, "st_a2", "rt_a2", "dA2", "uA")
	insertSession(t, s, "st_b1", "rt_b1", "dB1", "uB")

	n, err := s.LiveSessionCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, s.RevokeDeviceSessions(ctx, "dA1"))
	sess, err := s.SessionByToken(ctx, "st_a1")
	require.NoError(t, err)
	require.Positive(t, sess.RevokedAtMs)

	revoked, err := s.RevokeUserSessions(ctx, "uA")
	require.NoError(t, err)
	require.EqualValues(t, 1, revoked, "only the still-live session counts")

	// Vacuous repeat.
	revoked, err = s.RevokeUserSessions(ctx, "uA")
	require.NoError(t, err)
	require.Zero(t, revoked)

	n, err = s.LiveSessionCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestKeyPackagePoolCapAndDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blobs := [][]byte{[]byte("b1"), []byte("b2"), []byte("b3")}
	require.NoError(t, s.PublishKeyPackages(ctx, "dA", "uA", blobs, 4))

	err := s.PublishKeyPackages(ctx, "dA", "uA", [][]byte{[]byte("b4"), []byte("b5")}, 4)
	require.ErrorIs(t, err, ErrPoolFull)

	err = s.PublishKeyPackages(ctx, "dA", "uA", [][]byte{[]byte("b2")}, 4)
	require.ErrorIs(t, err, ErrDuplicateBlob)

	// Consumption is oldest-first and one-shot.
	got, err := s.ConsumeKeyPackages(ctx, "uA", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("b1"), got[0].Blob)
	require.Equal(t, []byte("b2"), got[1].Blob)
	require.Equal(t, model.DeviceID("dA"), got[0].DeviceID)

	got, err = s.ConsumeKeyPackages(ctx, "uA", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("b3"), got[0].Blob)

	// Exhaustion is empty, not an error.
	got, err = s.ConsumeKeyPackages(ctx, "uA", 2)
	require.NoError(t, err)
	require.Empty(t, got)

	size, err := s.KeyPackagePoolSize(ctx, "dA")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestRotateSparesServedMaterial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PublishKeyPackages(ctx, "dA", "uA", [][]byte{[]byte("b1"), []byte("b2")}, 4))
	_, err := s.ConsumeKeyPackages(ctx, "uA", 1)
	require.NoError(t, err)

	revoked, err := s.RotateKeyPackages(ctx, "dA", "uA", true, [][]byte{[]byte("b3")}, 4)
	require.NoError(t, err)
	require.EqualValues(t, 1, revoked, "served material is beyond recall")

	size, err := s.KeyPackagePoolSize(ctx, "dA")
	require.NoError(t, err)
	require.Equal(t, 1, size)

	got, err := s.ConsumeKeyPackages(ctx, "uA", 4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("b3"), got[0].Blob)
}
