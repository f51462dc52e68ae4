// Package coordinator implements the server-side peer of the synchronization
// protocol: the authoritative participant roster, operation relay, advisory
// lock granting, and idle-session expiry. Conflict resolution is deliberately
// absent here; it is purely client-side.
package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kilupskalvis/scenesync/internal/models"
	"github.com/kilupskalvis/scenesync/internal/sessionstore"
)

// Config holds the coordinator's tunables.
type Config struct {
	LockTimeout   time.Duration // default 30 s
	SessionTTL    time.Duration // default 24 h
	SweepInterval time.Duration // default 1 min
	NodeID        string        // identifies this node on the relay bus
	Now           func() time.Time
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		LockTimeout:   models.DefaultLockTimeout,
		SessionTTL:    models.SessionTTL,
		SweepInterval: time.Minute,
	}
}

// Coordinator serves websocket sessions, one hub goroutine per project.
type Coordinator struct {
	cfg    *Config
	store  sessionstore.Store
	bus    sessionstore.Bus
	logger *slog.Logger

	mu   sync.Mutex
	hubs map[string]*hub

	done chan struct{}
	wg   sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is delegated to the deployment's edge; the handshake
	// itself authenticates the participant.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a coordinator and starts its idle-session sweeper. The store's
// Bus capability, when present, bridges relay traffic between nodes.
func New(store sessionstore.Store, logger *slog.Logger, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = models.DefaultLockTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = models.SessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	co := &Coordinator{
		cfg:    cfg,
		store:  store,
		logger: logger,
		hubs:   make(map[string]*hub),
		done:   make(chan struct{}),
	}
	co.bus, _ = store.(sessionstore.Bus)

	co.wg.Add(1)
	go co.sweep()
	return co
}

// Handler returns the HTTP handler: health endpoints plus the websocket
// session endpoint, wrapped in the request-id/logging/recovery chain.
func (co *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := co.store.Load(r.Context(), "readiness-probe"); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: session store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /ws/{project}", co.handleWS)

	return applyMiddleware(mux,
		recoveryMiddleware(co.logger),
		loggingMiddleware(co.logger),
		requestIDMiddleware,
	)
}

func (co *Coordinator) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "bad_request",
			"message": "missing project id in path",
		})
		return
	}

	select {
	case <-co.done:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "shutting_down",
			"message": "coordinator is shutting down",
		})
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		co.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h := co.hubFor(projectID)
	c := &client{
		connID: uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	go clientWritePump(c)
	go clientReadPump(h, c)
}

// hubFor returns the live hub for a project, starting one (and restoring its
// persisted state) on first join.
func (co *Coordinator) hubFor(projectID string) *hub {
	co.mu.Lock()
	defer co.mu.Unlock()

	if h, ok := co.hubs[projectID]; ok {
		return h
	}
	h := newHub(projectID, co.cfg.NodeID, co.store, co.bus, co.cfg.LockTimeout, co.cfg.Now, co.logger)
	// The hub outlives the upgrade request, so restoration and the bus
	// subscription run on the background context.
	h.start(context.Background())
	co.hubs[projectID] = h
	co.logger.Info("session started", "project_id", projectID)
	return h
}

func clientReadPump(h *hub, c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case h.inbound <- inboundMsg{c: c, data: data}:
		case <-h.stopped:
			return
		}
	}
}

func clientWritePump(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read pump notices the broken connection and unregisters;
			// keep draining so the hub never blocks.
			continue
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// sweep destroys sessions idle past the TTL, in line with the persisted
// document's own expiry.
func (co *Coordinator) sweep() {
	defer co.wg.Done()
	ticker := time.NewTicker(co.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			co.expireIdle()
		case <-co.done:
			return
		}
	}
}

func (co *Coordinator) expireIdle() {
	now := co.cfg.Now().UnixMilli()
	ttl := co.cfg.SessionTTL.Milliseconds()

	co.mu.Lock()
	var expired []*hub
	for projectID, h := range co.hubs {
		if now-h.lastActivity.Load() > ttl {
			expired = append(expired, h)
			delete(co.hubs, projectID)
		}
	}
	co.mu.Unlock()

	for _, h := range expired {
		close(h.stop)
		<-h.stopped
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := co.store.Delete(ctx, h.projectID); err != nil {
			co.logger.Warn("delete expired session", "error", err, "project_id", h.projectID)
		}
		cancel()
		co.logger.Info("session expired", "project_id", h.projectID)
	}
}

// Shutdown stops every hub, persisting each session, and closes the store.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	close(co.done)

	co.mu.Lock()
	hubs := make([]*hub, 0, len(co.hubs))
	for projectID, h := range co.hubs {
		hubs = append(hubs, h)
		delete(co.hubs, projectID)
	}
	co.mu.Unlock()

	for _, h := range hubs {
		close(h.stop)
		select {
		case <-h.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	co.wg.Wait()
	return co.store.Close()
}
