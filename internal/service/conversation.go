package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/ratelimit"
	"github.com/meshline/ds-gateway/internal/storage"
)

// MemberSpec names one (device, user) pair on the admin surface. The
// caller's own pair is checked against the session; peer pairs are taken
// as claimed until a federation directory can attest them.
type MemberSpec struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
}

type CreateConvRequest struct {
	// ConvID is optional; the gateway mints one when absent.
	ConvID        string       `json:"conv_id,omitempty"`
	Kind          string       `json:"kind"`
	MemberDevices []MemberSpec `json:"member_devices"`
}

// ConvSummary is the admin-surface view of one conversation. ConvHome and
// OriginGateway are distinct fields on purpose: clients must not assume
// they match even though a single-gateway deployment makes them equal.
type ConvSummary struct {
	ConvID        string `json:"conv_id"`
	Kind          string `json:"kind"`
	ConvHome      string `json:"conv_home"`
	OriginGateway string `json:"origin_gateway"`
	CreatedAt     int64  `json:"created_at"`
	Members       int    `json:"members"`
}

type UpdateMembersRequest struct {
	ConvID string       `json:"conv_id"`
	Add    []MemberSpec `json:"add,omitempty"`
	// Remove lists device ids.
	Remove []string `json:"remove,omitempty"`
}

type BlocklistRequest struct {
	Block   []string `json:"block,omitempty"`
	Unblock []string `json:"unblock,omitempty"`
}

// [CONVERSATION_SERVICE] ADMISSION AND ADMIN LOGIC IN FRONT OF THE BROKER
// Every transport funnels conversation traffic through this contract; the
// broker below it only ever sees admitted work.
type Conversations interface {
	// Send admits one envelope: validation, rate, membership, blocklist,
	// then the durable ordered append.
	Send(ctx context.Context, sess model.Session, req wire.ConvSend) (wire.ConvAcked, error)
	// Subscribe attaches the link to the conversation starting at the
	// resolved position (explicit from_seq > legacy after_seq+1 > stored
	// cursor).
	Subscribe(ctx context.Context, sess model.Session, link *broker.Link, req wire.ConvSubscribe) error
	// Ack advances the device cursor to max(stored, seq+1).
	Ack(ctx context.Context, sess model.Session, req wire.ConvAck) error
	// Create builds a dm or room; the caller becomes owner of rooms.
	Create(ctx context.Context, sess model.Session, req CreateConvRequest) (ConvSummary, error)
	// UpdateMembers applies owner/admin-gated membership changes and
	// evicts removed devices from live fan-out.
	UpdateMembers(ctx context.Context, sess model.Session, req UpdateMembersRequest) (ConvSummary, error)
	// UpdateBlocklist edits the caller's user-level blocklist.
	UpdateBlocklist(ctx context.Context, sess model.Session, req BlocklistRequest) error
}

// membershipCacheSize bounds the hot-set of conversations held in memory.
const membershipCacheSize = 4096

// memberSet is the cached admission view of one conversation.
type memberSet struct {
	conv    model.Conversation
	members map[model.DeviceID]model.Member
}

// [IMPLEMENTATION] PRIVATE TO ENFORCE INTERFACE USAGE
type ConversationService struct {
	store   *storage.Store
	br      *broker.Broker
	limiter *ratelimit.Limiter
	// [MEMORY_MANAGEMENT] Pre-allocated LRU cache keeps hot member sets off
	// the admission path's storage round-trip.
	cache     *lru.Cache[model.ConvID, memberSet]
	envCap    int64
	gatewayID string
}

// NewConversationService provides a thread-safe service with an internal
// LRU membership cache.
func NewConversationService(store *storage.Store, br *broker.Broker, limiter *ratelimit.Limiter, cfg *config.Config) *ConversationService {
	cache, _ := lru.New[model.ConvID, memberSet](membershipCacheSize)
	return &ConversationService{
		store:     store,
		br:        br,
		limiter:   limiter,
		cache:     cache,
		envCap:    cfg.EnvelopeByteCap,
		gatewayID: cfg.GatewayID,
	}
}

func (c *ConversationService) Send(ctx context.Context, sess model.Session, req wire.ConvSend) (wire.ConvAcked, error) {
	if !model.ValidID(req.ConvID) {
		return wire.ConvAcked{}, wire.Invalid("malformed conv_id")
	}
	if !model.ValidMsgID(req.MsgID) {
		return wire.ConvAcked{}, wire.Invalid("missing or oversized msg_id")
	}
	if len(req.Env) == 0 {
		return wire.ConvAcked{}, wire.Invalid("empty envelope")
	}
	if int64(len(req.Env)) > c.envCap {
		return wire.ConvAcked{}, wire.Invalid("envelope exceeds byte cap")
	}
	// Rate precedes the storage lookups so a hammering client cannot turn
	// admission into a read amplifier.
	if err := c.limiter.Allow(ratelimit.OpSend, string(sess.DeviceID)+":"+req.ConvID); err != nil {
		return wire.ConvAcked{}, err
	}

	conv := model.ConvID(req.ConvID)
	ms, member, err := c.requireMember(ctx, conv, sess.DeviceID)
	if err != nil {
		return wire.ConvAcked{}, err
	}
	if ms.conv.Kind == model.KindDM {
		if err := c.requireUnblockedDM(ctx, ms, member.UserID); err != nil {
			return wire.ConvAcked{}, err
		}
	}

	res, err := c.br.Append(ctx, conv, req.MsgID, req.Env)
	if err != nil {
		return wire.ConvAcked{}, err
	}
	return wire.ConvAcked{ConvID: req.ConvID, MsgID: req.MsgID, Seq: res.Seq}, nil
}

func (c *ConversationService) Subscribe(ctx context.Context, sess model.Session, link *broker.Link, req wire.ConvSubscribe) error {
	if link == nil {
		return wire.Invalid("subscribe requires an event stream")
	}
	if !model.ValidID(req.ConvID) {
		return wire.Invalid("malformed conv_id")
	}
	conv := model.ConvID(req.ConvID)
	if _, _, err := c.requireMember(ctx, conv, sess.DeviceID); err != nil {
		return err
	}
	fromSeq, err := c.resolveStart(ctx, sess.DeviceID, conv, req)
	if err != nil {
		return err
	}
	return c.br.Subscribe(ctx, link, conv, fromSeq)
}

// resolveStart picks the replay position: explicit inclusive from_seq wins,
// then the legacy exclusive after_seq, then the stored cursor (1 for a
// device that never acked).
func (c *ConversationService) resolveStart(ctx context.Context, device model.DeviceID, conv model.ConvID, req wire.ConvSubscribe) (uint64, error) {
	switch {
	case req.FromSeq != nil:
		return *req.FromSeq, nil
	case req.AfterSeq != nil:
		return *req.AfterSeq + 1, nil
	}
	return c.store.Cursor(ctx, device, conv)
}

func (c *ConversationService) Ack(ctx context.Context, sess model.Session, req wire.ConvAck) error {
	if !model.ValidID(req.ConvID) {
		return wire.Invalid("malformed conv_id")
	}
	conv := model.ConvID(req.ConvID)
	// Membership gates acks so strangers cannot pin the safe retention
	// floor of a conversation they were never in.
	if _, _, err := c.requireMember(ctx, conv, sess.DeviceID); err != nil {
		return err
	}
	return c.store.AckCursor(ctx, sess.DeviceID, conv, req.Seq)
}

func (c *ConversationService) Create(ctx context.Context, sess model.Session, req CreateConvRequest) (ConvSummary, error) {
	kind, ok := model.ParseConvKind(req.Kind)
	if !ok {
		return ConvSummary{}, wire.Invalid("kind must be dm or room")
	}
	id := req.ConvID
	if id == "" {
		id = "c_" + uuid.NewString()
	} else if !model.ValidID(id) {
		return ConvSummary{}, wire.Invalid("malformed conv_id")
	}

	specs, err := normalizeMembers(req.MemberDevices, sess)
	if err != nil {
		return ConvSummary{}, err
	}

	switch kind {
	case model.KindDM:
		if err := c.limiter.Allow(ratelimit.OpDMCreate, string(sess.DeviceID)); err != nil {
			return ConvSummary{}, err
		}
		if len(specs) != 2 {
			return ConvSummary{}, wire.Invalid("dm requires exactly two member devices")
		}
		if !containsDevice(specs, sess.DeviceID) {
			return ConvSummary{}, wire.Invalid("dm must include the calling device")
		}
		if specs[0].UserID != specs[1].UserID {
			blocked, err := c.store.Blocked(ctx, model.UserID(specs[0].UserID), model.UserID(specs[1].UserID))
			if err != nil {
				return ConvSummary{}, err
			}
			if blocked {
				return ConvSummary{}, wire.Blocked("direct conversation is blocked")
			}
		}
	case model.KindRoom:
		if err := c.limiter.Allow(ratelimit.OpSocial, string(sess.DeviceID)); err != nil {
			return ConvSummary{}, err
		}
		if !containsDevice(specs, sess.DeviceID) {
			specs = append([]MemberSpec{{DeviceID: string(sess.DeviceID), UserID: string(sess.UserID)}}, specs...)
		}
	}

	now := time.Now().UnixMilli()
	members := make([]model.Member, 0, len(specs))
	for _, sp := range specs {
		role := model.RoleMember
		if kind == model.KindRoom && model.DeviceID(sp.DeviceID) == sess.DeviceID {
			role = model.RoleOwner
		}
		members = append(members, model.Member{
			ConvID:   model.ConvID(id),
			DeviceID: model.DeviceID(sp.DeviceID),
			UserID:   model.UserID(sp.UserID),
			Role:     role,
			AddedMs:  now,
		})
	}

	conv := model.Conversation{
		ID:          model.ConvID(id),
		Kind:        kind,
		Home:        c.gatewayID,
		Creator:     sess.UserID,
		CreatedAtMs: now,
	}
	if err := c.store.CreateConversation(ctx, conv, members); err != nil {
		if errors.Is(err, storage.ErrConvExists) {
			return ConvSummary{}, wire.Invalid("conversation already exists")
		}
		return ConvSummary{}, err
	}

	// [CACHE_POPULATION] the creator will almost certainly send next.
	set := memberSet{conv: conv, members: make(map[model.DeviceID]model.Member, len(members))}
	for _, m := range members {
		set.members[m.DeviceID] = m
	}
	c.cache.Add(conv.ID, set)

	return c.summary(conv, len(members)), nil
}

func (c *ConversationService) UpdateMembers(ctx context.Context, sess model.Session, req UpdateMembersRequest) (ConvSummary, error) {
	if !model.ValidID(req.ConvID) {
		return ConvSummary{}, wire.Invalid("malformed conv_id")
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		return ConvSummary{}, wire.Invalid("nothing to change")
	}
	if err := c.limiter.Allow(ratelimit.OpSocial, string(sess.DeviceID)); err != nil {
		return ConvSummary{}, err
	}

	conv := model.ConvID(req.ConvID)
	ms, err := c.resolve(ctx, conv)
	if errors.Is(err, storage.ErrUnknownConv) {
		// Admins get an actionable error; the send/subscribe path keeps
		// hiding existence from strangers.
		return ConvSummary{}, wire.NotFound("no such conversation")
	}
	if err != nil {
		return ConvSummary{}, err
	}
	caller, isMember := ms.members[sess.DeviceID]
	if !isMember {
		return ConvSummary{}, wire.Forbidden("not a member of this conversation")
	}
	if ms.conv.Kind == model.KindDM {
		return ConvSummary{}, wire.Invalid("dm membership is fixed")
	}
	if !caller.Role.CanManageMembers() {
		return ConvSummary{}, wire.Forbidden("requires admin role")
	}

	adds, err := normalizeMembers(req.Add, sess)
	if err != nil {
		return ConvSummary{}, err
	}
	removes := make([]model.DeviceID, 0, len(req.Remove))
	for _, d := range req.Remove {
		if !model.ValidID(d) {
			return ConvSummary{}, wire.Invalid("malformed device_id")
		}
		if m, ok := ms.members[model.DeviceID(d)]; ok && m.Role == model.RoleOwner {
			return ConvSummary{}, wire.Forbidden("owner cannot be removed")
		}
		removes = append(removes, model.DeviceID(d))
	}

	now := time.Now().UnixMilli()
	if len(adds) > 0 {
		members := make([]model.Member, 0, len(adds))
		for _, sp := range adds {
			members = append(members, model.Member{
				ConvID:   conv,
				DeviceID: model.DeviceID(sp.DeviceID),
				UserID:   model.UserID(sp.UserID),
				Role:     model.RoleMember,
				AddedMs:  now,
			})
		}
		if err := c.store.AddMembers(ctx, conv, members); err != nil {
			return ConvSummary{}, err
		}
	}
	if len(removes) > 0 {
		if err := c.store.RemoveMembers(ctx, conv, removes); err != nil {
			return ConvSummary{}, err
		}
	}

	// [CACHE_INVALIDATION] drop before eviction so an admitted send racing
	// this call re-reads the new member set.
	c.cache.Remove(conv)
	if len(removes) > 0 {
		c.br.EvictMembers(conv, removes)
	}

	fresh, err := c.resolve(ctx, conv)
	if err != nil {
		return ConvSummary{}, err
	}
	return c.summary(fresh.conv, len(fresh.members)), nil
}

func (c *ConversationService) UpdateBlocklist(ctx context.Context, sess model.Session, req BlocklistRequest) error {
	if len(req.Block) == 0 && len(req.Unblock) == 0 {
		return wire.Invalid("nothing to change")
	}
	if err := c.limiter.Allow(ratelimit.OpSocial, string(sess.DeviceID)); err != nil {
		return err
	}
	for _, u := range append(append([]string{}, req.Block...), req.Unblock...) {
		if !model.ValidID(u) {
			return wire.Invalid("malformed user_id")
		}
	}
	for _, u := range req.Block {
		if model.UserID(u) == sess.UserID {
			return wire.Invalid("cannot block yourself")
		}
		if err := c.store.Block(ctx, sess.UserID, model.UserID(u)); err != nil {
			return err
		}
	}
	for _, u := range req.Unblock {
		if err := c.store.Unblock(ctx, sess.UserID, model.UserID(u)); err != nil {
			return err
		}
	}
	return nil
}

// resolve reads the admission view through the cache.
func (c *ConversationService) resolve(ctx context.Context, conv model.ConvID) (memberSet, error) {
	// [HOT_PATH] Check LRU cache first to keep sends off storage.
	if cached, ok := c.cache.Get(conv); ok {
		return cached, nil
	}
	header, err := c.store.Conversation(ctx, conv)
	if err != nil {
		return memberSet{}, err
	}
	members, err := c.store.Members(ctx, conv)
	if err != nil {
		return memberSet{}, err
	}
	set := memberSet{conv: header, members: make(map[model.DeviceID]model.Member, len(members))}
	for _, m := range members {
		set.members[m.DeviceID] = m
	}
	// [CACHE_POPULATION]
	c.cache.Add(conv, set)
	return set, nil
}

// requireMember hides conversation existence: unknown conversation and
// non-membership are the same forbidden from the outside.
func (c *ConversationService) requireMember(ctx context.Context, conv model.ConvID, device model.DeviceID) (memberSet, model.Member, error) {
	ms, err := c.resolve(ctx, conv)
	if errors.Is(err, storage.ErrUnknownConv) {
		return memberSet{}, model.Member{}, wire.Forbidden("not a member of this conversation")
	}
	if err != nil {
		return memberSet{}, model.Member{}, err
	}
	m, ok := ms.members[device]
	if !ok {
		return memberSet{}, model.Member{}, wire.Forbidden("not a member of this conversation")
	}
	return ms, m, nil
}

// requireUnblockedDM rejects DM traffic when either side blocks the other.
func (c *ConversationService) requireUnblockedDM(ctx context.Context, ms memberSet, sender model.UserID) error {
	for _, m := range ms.members {
		if m.UserID == sender {
			continue
		}
		blocked, err := c.store.Blocked(ctx, sender, m.UserID)
		if err != nil {
			return err
		}
		if blocked {
			return wire.Blocked("direct conversation is blocked")
		}
	}
	return nil
}

func (c *ConversationService) summary(conv model.Conversation, members int) ConvSummary {
	return ConvSummary{
		ConvID:        string(conv.ID),
		Kind:          conv.Kind.WireName(),
		ConvHome:      conv.Home,
		OriginGateway: c.gatewayID,
		CreatedAt:     conv.CreatedAtMs,
		Members:       members,
	}
}

// normalizeMembers validates ids, rejects duplicate devices and pins the
// caller's own pair to the session identity.
func normalizeMembers(specs []MemberSpec, sess model.Session) ([]MemberSpec, error) {
	seen := make(map[string]struct{}, len(specs))
	out := make([]MemberSpec, 0, len(specs))
	for _, sp := range specs {
		if !model.ValidID(sp.DeviceID) {
			return nil, wire.Invalid("malformed device_id")
		}
		if !model.ValidID(sp.UserID) {
			return nil, wire.Invalid("malformed user_id")
		}
		if _, dup := seen[sp.DeviceID]; dup {
			return nil, wire.Invalid("duplicate member device")
		}
		if model.DeviceID(sp.DeviceID) == sess.DeviceID && model.UserID(sp.UserID) != sess.UserID {
			return nil, wire.Invalid("calling device bound to a different user")
		}
		seen[sp.DeviceID] = struct{}{}
		out = append(out, sp)
	}
	return out, nil
}

func containsDevice(specs []MemberSpec, device model.DeviceID) bool {
	for _, sp := range specs {
		if model.DeviceID(sp.DeviceID) == device {
			return true
		}
	}
	return false
}
