package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilupskalvis/scenesync/internal/models"
	"github.com/kilupskalvis/scenesync/internal/protocol"
	"github.com/kilupskalvis/scenesync/internal/scene"
	"github.com/kilupskalvis/scenesync/internal/sessionstore"
)

// displayPalette is the pool of participant colors, assigned round-robin at
// join time.
var displayPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
}

// client is one websocket connection attached to a hub. The hub goroutine
// owns every field except send, which the write pump drains.
type client struct {
	connID string
	conn   *websocket.Conn
	send   chan []byte
	authed bool
	userID string
	name   string
	color  string
}

type inboundMsg struct {
	c    *client
	data []byte
}

// busEnvelope wraps a relayed frame on the cross-node bus with the origin
// node id, so a node can skip its own publications.
type busEnvelope struct {
	Node  string          `json:"node"`
	Frame json.RawMessage `json:"frame"`
}

// hub is the authoritative peer for one session: participant roster,
// operation relay, advisory lock table, and the serialized document sent on
// resync. All session state is mutated only by the hub's run goroutine, which
// is the single writer of session membership.
type hub struct {
	projectID string
	nodeID    string
	logger    *slog.Logger

	store sessionstore.Store
	seq   sessionstore.Sequencer
	bus   sessionstore.Bus

	lockTimeout time.Duration
	now         func() time.Time

	clients      map[*client]bool
	participants map[string]*models.Participant
	doc          *scene.Document
	ops          []*models.Operation
	locks        map[string]*models.Lock
	lockTimers   map[string]*time.Timer
	createdAt    time.Time

	// lastActivity is read by the coordinator's idle sweeper.
	lastActivity atomic.Int64

	register   chan *client
	unregister chan *client
	inbound    chan inboundMsg
	expired    chan string
	busFrames  <-chan []byte
	busCancel  func()
	stop       chan struct{}
	stopped    chan struct{}
}

func newHub(projectID, nodeID string, store sessionstore.Store, bus sessionstore.Bus, lockTimeout time.Duration, now func() time.Time, logger *slog.Logger) *hub {
	h := &hub{
		projectID:    projectID,
		nodeID:       nodeID,
		logger:       logger.With("project_id", projectID),
		store:        store,
		bus:          bus,
		lockTimeout:  lockTimeout,
		now:          now,
		clients:      make(map[*client]bool),
		participants: make(map[string]*models.Participant),
		doc:          scene.NewDocument(),
		locks:        make(map[string]*models.Lock),
		lockTimers:   make(map[string]*time.Timer),
		createdAt:    now(),
		register:     make(chan *client),
		unregister:   make(chan *client),
		inbound:      make(chan inboundMsg, 64),
		expired:      make(chan string, 16),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	h.seq, _ = store.(sessionstore.Sequencer)
	h.touch()
	return h
}

// start restores any persisted session state, attaches the relay bus, and
// begins the run loop.
func (h *hub) start(ctx context.Context) {
	if persisted, err := h.store.Load(ctx, h.projectID); err != nil {
		h.logger.Warn("load persisted session", "error", err)
	} else if persisted != nil {
		h.createdAt = persisted.CreatedAt
		h.ops = persisted.Operations
		// The document is rebuilt by replaying the append-only operation
		// record; the stale roster is discarded.
		for _, op := range h.ops {
			if err := scene.Apply(h.doc, op); err != nil {
				h.logger.Warn("replay persisted operation", "error", err, "seq", op.Seq)
			}
		}
		h.logger.Info("restored session", "operations", len(h.ops))
	}

	if h.bus != nil {
		frames, cancel, err := h.bus.Subscribe(ctx, h.projectID)
		if err != nil {
			h.logger.Warn("relay bus unavailable", "error", err)
		} else {
			h.busFrames = frames
			h.busCancel = cancel
		}
	}

	go h.run()
}

func (h *hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			h.dropClient(c)
		case msg := <-h.inbound:
			h.handleMessage(msg.c, msg.data)
		case key := <-h.expired:
			h.expireLock(key)
		case frame, ok := <-h.busFrames:
			if !ok {
				h.busFrames = nil
				continue
			}
			h.handleBusFrame(frame)
		case <-h.stop:
			h.shutdown()
			return
		}
	}
}

func (h *hub) shutdown() {
	if h.busCancel != nil {
		h.busCancel()
	}
	for key, t := range h.lockTimers {
		t.Stop()
		delete(h.lockTimers, key)
	}
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
	h.persist()
}

func (h *hub) touch() {
	h.lastActivity.Store(h.now().UnixMilli())
}

// persist writes the session document through to the store, refreshing its
// TTL. Failures are logged; the in-memory session stays authoritative.
func (h *hub) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants := make([]*models.Participant, 0, len(h.participants))
	for _, p := range h.participants {
		participants = append(participants, p)
	}
	session := &models.Session{
		ProjectID:    h.projectID,
		Participants: participants,
		Operations:   h.ops,
		CreatedAt:    h.createdAt,
		LastActivity: time.UnixMilli(h.lastActivity.Load()),
	}
	if err := h.store.Save(ctx, session); err != nil {
		h.logger.Warn("persist session", "error", err)
	}
}

// ---- Message handling ----

func (h *hub) handleMessage(c *client, data []byte) {
	// The read pump may have queued frames before the client was dropped
	// (unregister or slow-consumer); its send channel is closed by then.
	if !h.clients[c] {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		h.logger.Warn("rejected message", "error", err, "conn_id", c.connID)
		h.sendTo(c, &protocol.ErrorMessage{Code: "invalid_message", Message: err.Error()})
		return
	}

	if !c.authed {
		auth, ok := msg.(*protocol.Authenticate)
		if !ok {
			h.sendTo(c, &protocol.ErrorMessage{Code: "not_authenticated", Message: "authenticate first"})
			return
		}
		h.handleAuthenticate(c, auth)
		return
	}

	switch v := msg.(type) {
	case *protocol.OperationMessage:
		h.handleOperation(c, &v.Operation, data)
	case *protocol.BatchOperations:
		for i := range v.Operations {
			h.handleOperation(c, &v.Operations[i], nil)
		}
	case *protocol.Presence:
		h.handlePresence(c, v, data)
	case *protocol.RequestLock:
		h.handleRequestLock(c, v)
	case *protocol.ReleaseLock:
		h.handleReleaseLock(c, v)
	case *protocol.Chat:
		v.UserID = c.userID
		h.relayFrom(c, v)
		h.touch()
	case *protocol.Acknowledgement:
		// Client acks are informational.
	default:
		h.sendTo(c, &protocol.ErrorMessage{Code: "unexpected_message", Message: string(msg.MessageType())})
	}
}

func (h *hub) handleAuthenticate(c *client, auth *protocol.Authenticate) {
	if auth.SessionID != h.projectID {
		h.sendTo(c, &protocol.ErrorMessage{Code: "session_mismatch", Message: "sessionId does not match connection path"})
		return
	}

	c.authed = true
	c.userID = auth.UserID
	c.name = auth.Name
	if c.name == "" {
		c.name = auth.UserID
	}

	p, rejoined := h.participants[auth.UserID]
	if !rejoined {
		p = &models.Participant{
			UserID:       auth.UserID,
			Name:         c.name,
			DisplayColor: displayPalette[len(h.participants)%len(displayPalette)],
			Status:       models.StatusActive,
			JoinedAt:     h.now(),
		}
		h.participants[auth.UserID] = p
	}
	p.ConnectionID = c.connID
	c.color = p.DisplayColor

	// Resync: authoritative document plus every operation beyond the
	// client's last known index.
	state, err := h.doc.Serialize()
	if err != nil {
		h.logger.Warn("serialize document", "error", err)
	}
	var missed []models.Operation
	for _, op := range h.ops {
		if op.Seq > auth.OperationIndex {
			missed = append(missed, *op)
		}
	}
	roster := make([]*models.Participant, 0, len(h.participants))
	for _, rp := range h.participants {
		roster = append(roster, rp)
	}
	h.sendTo(c, &protocol.ProjectState{State: state, Operations: missed, Participants: roster})

	if !rejoined {
		h.relayFrom(c, &protocol.UserJoined{UserID: p.UserID, Name: p.Name, Color: p.DisplayColor})
	}
	h.touch()
	h.persist()
	h.logger.Info("participant joined", "user_id", p.UserID, "conn_id", c.connID, "missed", len(missed))
}

// handleOperation assigns the session sequence, applies the operation to the
// authoritative document, acknowledges the sender, and relays to everyone
// else. The coordinator never resolves conflicts; that is purely client-side.
func (h *hub) handleOperation(c *client, op *models.Operation, raw []byte) {
	// Attribution comes from the authenticated connection, never the frame.
	op.UserID = c.userID
	op.SessionID = h.projectID
	op.Seq = h.nextSeq()
	h.ops = append(h.ops, op)

	if err := scene.Apply(h.doc, op); err != nil {
		h.logger.Warn("apply operation to authoritative document",
			"error", err, "seq", op.Seq, "from", op.UserID)
	}

	h.sendTo(c, &protocol.Acknowledgement{OperationID: op.ID, Seq: op.Seq, UserID: op.UserID})
	h.relayFrom(c, &protocol.OperationMessage{Operation: *op})
	_ = raw // the relayed frame is re-encoded: it now carries the assigned seq

	h.touch()
	h.persist()
}

func (h *hub) handlePresence(c *client, msg *protocol.Presence, raw []byte) {
	msg.UserID = c.userID
	if p, ok := h.participants[c.userID]; ok {
		if msg.Cursor != nil {
			p.Cursor = *msg.Cursor
		}
		if msg.Selection != nil {
			p.Selection = msg.Selection
		}
		if msg.Viewport != nil {
			p.Viewport = *msg.Viewport
		}
		if msg.Status.Valid() {
			p.Status = msg.Status
		}
	}
	h.relayFrom(c, msg)
	_ = raw
	h.touch()
}

func (h *hub) handleRequestLock(c *client, req *protocol.RequestLock) {
	key := req.LockKey
	if l, ok := h.locks[key]; ok && !l.Expired(h.now()) {
		// Contention is not an error; the requester simply gets no grant.
		h.sendTo(c, &protocol.ErrorMessage{Code: "lock_held", Message: "lock held by " + l.OwnerID})
		return
	}
	h.grantLock(key, c.userID)
	h.touch()
}

func (h *hub) grantLock(key, ownerID string) {
	if t, ok := h.lockTimers[key]; ok {
		t.Stop()
	}
	now := h.now()
	lock := &models.Lock{
		Key:        key,
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(h.lockTimeout),
	}
	h.locks[key] = lock
	h.lockTimers[key] = time.AfterFunc(h.lockTimeout, func() {
		select {
		case h.expired <- key:
		case <-h.stop:
		}
	})

	h.broadcast(&protocol.LockAcquired{LockMessage: lockMessage(key, ownerID, lock.ExpiresAt)})
}

func (h *hub) handleReleaseLock(c *client, req *protocol.ReleaseLock) {
	h.releaseLock(req.LockKey, c.userID)
	h.touch()
}

// releaseLock frees key if ownerID is the current owner and broadcasts the
// release.
func (h *hub) releaseLock(key, ownerID string) {
	l, ok := h.locks[key]
	if !ok || l.OwnerID != ownerID {
		return
	}
	if t, ok := h.lockTimers[key]; ok {
		t.Stop()
		delete(h.lockTimers, key)
	}
	delete(h.locks, key)
	h.broadcast(&protocol.LockReleased{LockMessage: lockMessage(key, ownerID, time.Time{})})
}

func (h *hub) expireLock(key string) {
	l, ok := h.locks[key]
	if !ok || !l.Expired(h.now()) {
		return
	}
	h.releaseLock(key, l.OwnerID)
	h.logger.Debug("lock expired", "key", key, "owner", l.OwnerID)
}

// dropClient removes a connection. Disconnect cascades: every lock owned by
// the participant is released before userLeft is relayed.
func (h *hub) dropClient(c *client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if c.conn != nil {
		c.conn.Close()
	}

	if !c.authed {
		return
	}
	// Another live connection for the same user keeps the participant.
	for other := range h.clients {
		if other.authed && other.userID == c.userID {
			return
		}
	}

	for key, l := range h.locks {
		if l.OwnerID == c.userID {
			h.releaseLock(key, c.userID)
		}
	}
	delete(h.participants, c.userID)
	h.broadcast(&protocol.UserLeft{UserID: c.userID, Name: c.name, Color: c.color})
	h.touch()
	h.persist()
	h.logger.Info("participant left", "user_id", c.userID, "conn_id", c.connID)
}

// ---- Fan-out ----

func (h *hub) nextSeq() int64 {
	if h.seq != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		seq, err := h.seq.NextSeq(ctx, h.projectID)
		if err == nil {
			return seq
		}
		h.logger.Warn("sequence allocation failed, falling back to local", "error", err)
	}
	var max int64
	if n := len(h.ops); n > 0 {
		max = h.ops[n-1].Seq
	}
	return max + 1
}

func (h *hub) sendTo(c *client, msg protocol.Message) {
	if !h.clients[c] {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Warn("encode message", "error", err, "type", msg.MessageType())
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop the connection rather than block the hub.
		h.dropClient(c)
	}
}

// relayFrom sends msg to every authenticated client except the sender, and
// mirrors it onto the cross-node bus.
func (h *hub) relayFrom(sender *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Warn("encode relay", "error", err, "type", msg.MessageType())
		return
	}
	h.fanOut(sender, data)
	h.publish(data)
}

// broadcast sends msg to every authenticated client including lock owners and
// requesters, and mirrors it onto the bus.
func (h *hub) broadcast(msg protocol.Message) {
	h.relayFrom(nil, msg)
}

func (h *hub) fanOut(except *client, data []byte) {
	for c := range h.clients {
		if c == except || !c.authed {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropClient(c)
		}
	}
}

func (h *hub) publish(frame []byte) {
	if h.bus == nil {
		return
	}
	env, err := json.Marshal(busEnvelope{Node: h.nodeID, Frame: frame})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, h.projectID, env); err != nil {
		h.logger.Warn("publish relay frame", "error", err)
	}
}

// handleBusFrame applies a frame relayed by another coordinator node: local
// clients receive it, and operations keep the local authoritative document
// converging.
func (h *hub) handleBusFrame(frame []byte) {
	var env busEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.logger.Warn("malformed bus frame", "error", err)
		return
	}
	if env.Node == h.nodeID {
		return
	}

	h.fanOut(nil, env.Frame)

	msg, err := protocol.Decode(env.Frame)
	if err != nil {
		return
	}
	if opMsg, ok := msg.(*protocol.OperationMessage); ok {
		op := opMsg.Operation
		h.ops = append(h.ops, &op)
		if err := scene.Apply(h.doc, &op); err != nil {
			h.logger.Warn("apply bus operation", "error", err, "seq", op.Seq)
		}
		h.touch()
	}
}

func lockMessage(key, userID string, expiresAt time.Time) protocol.LockMessage {
	msg := protocol.LockMessage{LockKey: key, UserID: userID}
	if entity, component, found := strings.Cut(key, ":"); found {
		msg.EntityID = entity
		msg.ComponentType = component
	} else {
		msg.EntityID = key
	}
	if !expiresAt.IsZero() {
		msg.ExpiresAt = expiresAt.UnixMilli()
	}
	return msg
}
