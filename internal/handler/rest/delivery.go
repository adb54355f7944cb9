// Package rest serves the request/response half of the gateway: presence
// leases, the keypackage directory, session management, conversation
// admin and operational stats. Streaming stays on the ws and sse
// handlers; everything here is one bearer-authenticated round trip.
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meshline/ds-gateway/config"
	"github.com/meshline/ds-gateway/internal/broker"
	"github.com/meshline/ds-gateway/internal/domain/model"
	"github.com/meshline/ds-gateway/internal/domain/wire"
	"github.com/meshline/ds-gateway/internal/handler/marshaller"
	"github.com/meshline/ds-gateway/internal/service"
	"github.com/meshline/ds-gateway/internal/storage"
)

type RESTHandler struct {
	logger   *slog.Logger
	sessions service.Sessions
	convs    service.Conversations
	kps      service.KeyPackages
	presence service.Presence
	br       *broker.Broker
	store    *storage.Store
	cfg      *config.Config
	started  time.Time
}

func NewRESTHandler(
	logger *slog.Logger,
	sessions service.Sessions,
	convs service.Conversations,
	kps service.KeyPackages,
	presence service.Presence,
	br *broker.Broker,
	store *storage.Store,
	cfg *config.Config,
) *RESTHandler {
	return &RESTHandler{
		logger:   logger,
		sessions: sessions,
		convs:    convs,
		kps:      kps,
		presence: presence,
		br:       br,
		store:    store,
		cfg:      cfg,
		started:  time.Now(),
	}
}

// Mount attaches every REST route. Health stays open; everything else
// sits behind the bearer middleware, with session and presence routes
// additionally marked no-store.
func (h *RESTHandler) Mount(r chi.Router) {
	r.Get("/v1/healthz", h.Healthz)

	r.Group(func(g chi.Router) {
		g.Use(RequireSession(h.sessions))

		g.Get("/v1/stats", h.Stats)

		g.Post("/v1/keypackages", h.PublishKeyPackages)
		g.Post("/v1/keypackages/fetch", h.FetchKeyPackages)
		g.Post("/v1/keypackages/rotate", h.RotateKeyPackages)

		g.Post("/v1/conv/create", h.CreateConv)
		g.Post("/v1/conv/members", h.UpdateMembers)
		g.Post("/v1/blocklist", h.UpdateBlocklist)

		g.Group(func(ns chi.Router) {
			ns.Use(noStore)

			ns.Post("/v1/presence/lease", h.Lease)
			ns.Post("/v1/presence/renew", h.Renew)
			ns.Post("/v1/presence/watch", h.Watch)
			ns.Post("/v1/presence/unwatch", h.Unwatch)
			ns.Post("/v1/presence/allowlist", h.SetAllowlist)

			ns.Get("/v1/session/list", h.ListSessions)
			ns.Post("/v1/session/revoke", h.RevokeSession)
			ns.Post("/v1/session/logout_all", h.LogoutAll)
		})
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	GatewayID string `json:"gateway_id"`
}

func (h *RESTHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	marshaller.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		GatewayID: h.cfg.GatewayID,
	})
}

type statsResponse struct {
	model.GatewayStats
	// LaneDetail is filled only on ?lanes=1; one entry per hot lane is
	// too much for a scrape but exactly right when debugging fan-out.
	LaneDetail []model.LaneStats `json:"lane_detail,omitempty"`
}

func (h *RESTHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	links, lanes, subs, dropped := h.br.Stats()

	convCount, err := h.store.ConversationCount(ctx)
	if err != nil {
		h.statsError(w, err)
		return
	}
	evCount, err := h.store.EventCount(ctx)
	if err != nil {
		h.statsError(w, err)
		return
	}
	liveCount, err := h.store.LiveSessionCount(ctx)
	if err != nil {
		h.statsError(w, err)
		return
	}

	resp := statsResponse{GatewayStats: model.GatewayStats{
		GatewayID:     h.cfg.GatewayID,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Links:         links,
		Lanes:         lanes,
		Subscribers:   subs,
		DroppedFrames: dropped,
		Conversations: convCount,
		Events:        evCount,
		LiveSessions:  liveCount,
	}}
	if r.URL.Query().Get("lanes") == "1" {
		resp.LaneDetail = h.br.LaneSnapshots()
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) statsError(w http.ResponseWriter, err error) {
	h.logger.Error("stats collection failed", "error", err)
	marshaller.WriteError(w, wire.AsError(err))
}

func (h *RESTHandler) Lease(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.LeaseRequest](h, w, r)
	if !ok {
		return
	}
	resp, err := h.presence.Lease(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) Renew(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.LeaseRequest](h, w, r)
	if !ok {
		return
	}
	resp, err := h.presence.Renew(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) Watch(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.WatchRequest](h, w, r)
	if !ok {
		return
	}
	resp, err := h.presence.Watch(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) Unwatch(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.WatchRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.presence.Unwatch(r.Context(), sess, req); err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) SetAllowlist(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.AllowlistRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.presence.SetAllowlist(r.Context(), sess, req); err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) PublishKeyPackages(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.PublishKeyPackagesRequest](h, w, r)
	if !ok {
		return
	}
	resp, err := h.kps.Publish(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) FetchKeyPackages(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.FetchKeyPackagesRequest](h, w, r)
	if !ok {
		return
	}
	resp, err := h.kps.Fetch(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) RotateKeyPackages(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.RotateKeyPackagesRequest](h, w, r)
	if !ok {
		return
	}
	resp, err := h.kps.Rotate(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, resp)
}

func (h *RESTHandler) CreateConv(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.CreateConvRequest](h, w, r)
	if !ok {
		return
	}
	sum, err := h.convs.Create(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, sum)
}

func (h *RESTHandler) UpdateMembers(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.UpdateMembersRequest](h, w, r)
	if !ok {
		return
	}
	sum, err := h.convs.UpdateMembers(r.Context(), sess, req)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, sum)
}

func (h *RESTHandler) UpdateBlocklist(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[service.BlocklistRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.convs.UpdateBlocklist(r.Context(), sess, req); err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionListResponse struct {
	Sessions []service.SessionInfo `json:"sessions"`
}

func (h *RESTHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	infos, err := h.sessions.List(r.Context(), sess)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, sessionListResponse{Sessions: infos})
}

type revokeRequest struct {
	// DeviceID empty means the calling session itself.
	DeviceID string `json:"device_id,omitempty"`
}

func (h *RESTHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess, req, ok := authedBody[revokeRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.sessions.Revoke(r.Context(), sess, model.DeviceID(req.DeviceID)); err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

func (h *RESTHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	n, err := h.sessions.LogoutAll(r.Context(), sess)
	if err != nil {
		marshaller.WriteError(w, wire.AsError(err))
		return
	}
	marshaller.WriteJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

// session pulls the enriched identity out of the request context. Behind
// RequireSession it cannot be absent; the guard covers misrouted mounts.
func (h *RESTHandler) session(w http.ResponseWriter, r *http.Request) (model.Session, bool) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		marshaller.WriteError(w, wire.Internal("session missing from context"))
		return model.Session{}, false
	}
	return sess, true
}

// authedBody resolves the session and decodes the JSON request body in
// one step. Bodies share the socket's frame byte cap.
func authedBody[T any](h *RESTHandler, w http.ResponseWriter, r *http.Request) (model.Session, T, bool) {
	var req T
	sess, ok := h.session(w, r)
	if !ok {
		return model.Session{}, req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.FrameByteCap)
	err := json.NewDecoder(r.Body).Decode(&req)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		// No body reads as the zero request.
	default:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			marshaller.WriteError(w, wire.Invalid("request body exceeds the frame byte cap"))
		} else {
			marshaller.WriteError(w, wire.Invalid("malformed json body"))
		}
		return model.Session{}, req, false
	}
	return sess, req, true
}
