package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/gateway"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/security"
)

// SectorRepo reads today's sector assignments for a waiter.
type SectorRepo interface {
	TodaysSectors(ctx context.Context, tenantID, userID int64) ([]int64, error)
}

// Options carries the handler tunables.
type Options struct {
	AllowedOrigins     []string
	HandshakeTimeout   time.Duration
	ReceiveTimeout     time.Duration
	MaxMessageSize     int64
	RevalidateInterval time.Duration
}

// Handler serves the four role endpoints. All roles share one accept and
// read-loop skeleton; role differences are confined to auth, registration
// shape, and the waiter's sector support.
type Handler struct {
	manager    *gateway.Manager
	limiter    *gateway.RateLimiter
	heartbeats *gateway.HeartbeatTracker
	metrics    *gateway.Metrics

	staffAuth *security.JWTStrategy
	dinerAuth *security.TableTokenStrategy
	sectors   SectorRepo

	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(manager *gateway.Manager, limiter *gateway.RateLimiter, heartbeats *gateway.HeartbeatTracker, metrics *gateway.Metrics, staffAuth *security.JWTStrategy, dinerAuth *security.TableTokenStrategy, sectors SectorRepo, opts Options, log zerolog.Logger) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = 90 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.RevalidateInterval <= 0 {
		opts.RevalidateInterval = 5 * time.Minute
	}
	return &Handler{
		manager:    manager,
		limiter:    limiter,
		heartbeats: heartbeats,
		metrics:    metrics,
		staffAuth:  staffAuth,
		dinerAuth:  dinerAuth,
		sectors:    sectors,
		opts:       opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// origin is checked after the upgrade so the client gets a
			// close code instead of an opaque 403
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws_handler").Logger(),
	}
}

func (h *Handler) Waiter(w http.ResponseWriter, r *http.Request) {
	h.serveStaff(w, r, "waiter", []string{security.RoleWaiter, security.RoleManager, security.RoleAdmin}, false, false)
}

func (h *Handler) Kitchen(w http.ResponseWriter, r *http.Request) {
	h.serveStaff(w, r, "kitchen", []string{security.RoleKitchen, security.RoleManager, security.RoleAdmin}, false, true)
}

func (h *Handler) Admin(w http.ResponseWriter, r *http.Request) {
	h.serveStaff(w, r, "admin", []string{security.RoleManager, security.RoleAdmin}, true, false)
}

func (h *Handler) serveStaff(w http.ResponseWriter, r *http.Request, role string, allowedRoles []string, isAdmin, isKitchen bool) {
	conn, peer, ok := h.accept(w, r)
	if !ok {
		return
	}

	principal, err := h.staffAuth.Authenticate(r)
	if err != nil {
		h.metrics.ConnRejectedAuth.Add(1)
		_ = peer.Close(gateway.CloseAuthFailed, gateway.ReasonAuthFailed)
		return
	}
	if !principal.HasRole(allowedRoles...) {
		h.metrics.ConnRejectedAuth.Add(1)
		_ = peer.Close(gateway.CloseForbidden, gateway.ReasonForbidden)
		return
	}

	if err := h.manager.ReserveSlot(); err != nil {
		_ = peer.Close(gateway.CloseServerOverloaded, gateway.ReasonOverloaded)
		return
	}

	var sectors []int64
	if role == "waiter" && h.sectors != nil {
		sectors = h.lookupSectors(r.Context(), principal)
	}

	c := gateway.NewConnection(peer)
	err = h.manager.Register(gateway.Registration{
		Conn:      c,
		UserID:    principal.UserID,
		TenantID:  principal.TenantID,
		IsAdmin:   isAdmin,
		IsKitchen: isKitchen,
		BranchIDs: principal.BranchIDs,
		SectorIDs: sectors,
	})
	if err != nil {
		_ = peer.Close(gateway.CloseServerOverloaded, gateway.ReasonOverloaded)
		return
	}

	h.log.Info().
		Str("role", role).
		Int64("user_id", principal.UserID).
		Int64("tenant_id", principal.TenantID).
		Msg("websocket connected")

	h.readLoop(conn, peer, c, loopConfig{
		role:       role,
		principal:  principal,
		rawToken:   security.RawToken(r),
		revalidate: true,
	})
}

func (h *Handler) Diner(w http.ResponseWriter, r *http.Request) {
	conn, peer, ok := h.accept(w, r)
	if !ok {
		return
	}

	principal, err := h.dinerAuth.Authenticate(r)
	if err != nil {
		h.metrics.ConnRejectedAuth.Add(1)
		_ = peer.Close(gateway.CloseAuthFailed, gateway.ReasonAuthFailed)
		return
	}

	if err := h.manager.ReserveSlot(); err != nil {
		_ = peer.Close(gateway.CloseServerOverloaded, gateway.ReasonOverloaded)
		return
	}

	c := gateway.NewConnection(peer)
	err = h.manager.Register(gateway.Registration{
		Conn:       c,
		UserID:     principal.UserID,
		TenantID:   principal.TenantID,
		BranchIDs:  principal.BranchIDs,
		SessionIDs: []int64{principal.SessionID},
	})
	if err != nil {
		_ = peer.Close(gateway.CloseServerOverloaded, gateway.ReasonOverloaded)
		return
	}

	h.log.Info().
		Str("role", "diner").
		Int64("session_id", principal.SessionID).
		Int64("tenant_id", principal.TenantID).
		Msg("websocket connected")

	// table tokens are session-bound, no periodic revalidation
	h.readLoop(conn, peer, c, loopConfig{role: "diner", principal: principal})
}

// accept upgrades the socket and enforces the origin allow-list. Origin
// failures are delivered as a close frame on the upgraded socket.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, *wsPeer, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return nil, nil, false
	}
	peer := newPeer(conn)

	if !h.originAllowed(r.Header.Get("Origin")) {
		h.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("origin rejected")
		_ = peer.Close(gateway.CloseForbidden, gateway.ReasonForbidden)
		return nil, nil, false
	}
	return conn, peer, true
}

func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) lookupSectors(ctx context.Context, p security.Principal) []int64 {
	sectors, err := h.sectors.TodaysSectors(ctx, p.TenantID, p.UserID)
	if err != nil {
		// slow or unavailable assignment data degrades to branch-wide
		h.log.Warn().Err(err).Int64("user_id", p.UserID).Msg("sector lookup failed, proceeding without sectors")
		return nil
	}
	return sectors
}

type loopConfig struct {
	role       string
	principal  security.Principal
	rawToken   string
	revalidate bool
}

func (h *Handler) readLoop(conn *websocket.Conn, peer *wsPeer, c *gateway.Connection, cfg loopConfig) {
	defer func() {
		_ = peer.Close(websocket.CloseNormalClosure, "")
		h.manager.Unregister(c)
	}()

	conn.SetReadLimit(h.opts.MaxMessageSize)
	lastRevalidation := time.Now()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReceiveTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			h.handleReadError(peer, err)
			return
		}

		if msgType == websocket.BinaryMessage {
			_ = peer.Close(gateway.CloseUnsupportedData, "Binary frames not supported")
			return
		}

		if !h.limiter.Allow(c) {
			h.metrics.ConnRejectedRateLimit.Add(1)
			_ = peer.Close(gateway.CloseRateLimited, gateway.ReasonRateLimited)
			return
		}

		h.heartbeats.Record(c)

		if cfg.revalidate && time.Since(lastRevalidation) >= h.opts.RevalidateInterval {
			if _, err := h.staffAuth.Verify(cfg.rawToken); err != nil {
				h.metrics.ConnRejectedAuth.Add(1)
				_ = peer.Close(gateway.CloseAuthFailed, gateway.ReasonAuthFailed)
				return
			}
			lastRevalidation = time.Now()
		}

		h.handleFrame(c, peer, cfg, string(data))
	}
}

func (h *Handler) handleReadError(peer *wsPeer, err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		h.metrics.ConnTimeouts.Add(1)
		_ = peer.Close(gateway.CloseNormal, gateway.ReasonConnectionTimeout)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit) {
		_ = peer.Close(gateway.CloseMessageTooBig, "Message too big")
		return
	}
	// peer closed or network error; teardown happens in the deferred path
}

func (h *Handler) handleFrame(c *gateway.Connection, peer *wsPeer, cfg loopConfig, msg string) {
	trimmed := strings.TrimSpace(msg)
	switch {
	case trimmed == "ping" || trimmed == `{"type":"ping"}`:
		_ = peer.Send([]byte(`{"type":"pong"}`))
	case trimmed == "refresh_sectors" && cfg.role == "waiter":
		h.refreshSectors(c, peer, cfg.principal)
	default:
		h.log.Debug().Str("role", cfg.role).Str("frame", trimmed).Msg("unhandled frame ignored")
	}
}

func (h *Handler) refreshSectors(c *gateway.Connection, peer *wsPeer, p security.Principal) {
	if h.sectors == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sectors := h.lookupSectors(ctx, p)
	if err := h.manager.RefreshSectors(c, sectors); err != nil {
		h.log.Warn().Err(err).Int64("user_id", p.UserID).Msg("sector refresh rejected")
		return
	}

	parts := make([]string, len(sectors))
	for i, s := range sectors {
		parts[i] = strconv.FormatInt(s, 10)
	}
	_ = peer.Send([]byte(fmt.Sprintf("sectors_updated:%s", strings.Join(parts, ","))))
}
