// Package collab implements the client half of the synchronization engine:
// one CollaborationSession value owned by the caller, holding the operation
// log, conflict resolver, applier, advisory lock state, presence tracker,
// offline queue, and reconnecting transport.
//
// All session state is confined to a single event-loop goroutine. Public
// methods post commands into the loop's mailbox; network reads, timers, and
// dial results arrive the same way, so no state transition ever races with
// another.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
	"github.com/kilupskalvis/scenesync/internal/oplog"
	"github.com/kilupskalvis/scenesync/internal/protocol"
	"github.com/kilupskalvis/scenesync/internal/resolve"
	"github.com/kilupskalvis/scenesync/internal/scene"
)

// Reconnect backoff: delay = min(base * 2^attempt, max).
const (
	baseReconnectDelay = 1000 * time.Millisecond
	maxReconnectDelay  = 30 * time.Second

	defaultMaxReconnectAttempts = 10
	defaultMaxQueued            = 1000
	defaultEventBuffer          = 64
	sendBuffer                  = 256
)

// StateLoader is implemented by runtimes that can replace their contents with
// the coordinator's serialized document during resync.
type StateLoader interface {
	Load(state json.RawMessage) error
}

// Config configures a Session. UserID, SessionID, and Runtime are required;
// either ServerURL or Dialer must be set.
type Config struct {
	UserID    string
	SessionID string
	Name      string
	ServerURL string

	// Dialer overrides the websocket dialer built from ServerURL.
	Dialer  Dialer
	Runtime scene.Mutator
	Logger  *slog.Logger

	LockTimeout          time.Duration // default 30 s
	MaxReconnectAttempts int           // default 10
	MaxQueued            int           // default 1000
	JournalPath          string        // optional bbolt journal for the offline queue
	EventBuffer          int           // default 64
	Now                  func() time.Time
}

// Status is a point-in-time snapshot of the session. Unacked counts
// operations sent to the coordinator that have not been acknowledged yet.
type Status struct {
	Online         bool
	Attempts       int
	Queued         int
	Unacked        int
	OperationIndex int64
	Lamport        int64
	Participants   []models.Participant
	Locks          []models.Lock
}

// Session is one client's connection to a shared project. Construct with New;
// the caller passes the value to the entity runtime and UI layers explicitly
// rather than publishing it through any global.
type Session struct {
	cfg    Config
	logger *slog.Logger

	oplog   *oplog.Log
	runtime scene.Mutator
	locks   *lockManager
	tracker *presenceTracker
	queue   *offlineQueue

	mailbox chan any
	events  chan Event
	done    chan struct{}
	closeMu sync.Once

	// Loop-owned connection state.
	conn           Conn
	send           chan []byte
	connGen        int
	online         bool
	dialing        bool
	manual         bool // true after Disconnect: no auto-reconnect
	attempts       int
	reconnectTimer *time.Timer
	dialCancel     context.CancelFunc
	operationIndex int64
	sent           int
	acked          int

	// suppress gates the runtime mutation hook while the session itself is
	// mutating the runtime, so applying a remote operation never re-enters
	// the broadcaster.
	suppress atomic.Bool
}

// Commands and loop-internal messages.
type (
	cmdConnect    struct{}
	cmdDisconnect struct{ reply chan struct{} }
	cmdSubmit     struct {
		typ     models.OperationType
		payload models.OperationPayload
		reply   chan submitResult
	}
	cmdLocalMutation struct {
		typ     models.OperationType
		payload models.OperationPayload
	}
	cmdRequestLock struct {
		key   string
		reply chan bool
	}
	cmdReleaseLock struct {
		key   string
		reply chan bool
	}
	cmdPresence struct{ msg protocol.Presence }
	cmdChat     struct {
		text  string
		reply chan error
	}
	cmdStatus struct{ reply chan Status }

	dialResult struct {
		gen  int
		conn Conn
		err  error
	}
	connLost struct {
		gen int
		err error
	}
	inboundFrame struct {
		gen  int
		data []byte
	}
	reconnectDue struct{}
	lockExpired  struct{ key string }
)

type submitResult struct {
	op  *models.Operation
	err error
}

// New creates a session and starts its event loop. The session begins
// disconnected; call Connect to establish the transport.
func New(cfg Config) (*Session, error) {
	if cfg.UserID == "" || cfg.SessionID == "" {
		return nil, fmt.Errorf("collab: userId and sessionId are required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("collab: runtime is required")
	}
	if cfg.Dialer == nil {
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("collab: server URL or dialer is required")
		}
		cfg.Dialer = &WebsocketDialer{URL: cfg.ServerURL}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = models.DefaultLockTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	queue, err := newOfflineQueue(cfg.MaxQueued, cfg.JournalPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("user_id", cfg.UserID, "session_id", cfg.SessionID),
		oplog:   oplog.New(cfg.UserID, cfg.SessionID, oplog.Config{Now: cfg.Now}),
		runtime: cfg.Runtime,
		locks:   newLockManager(cfg.UserID, cfg.LockTimeout, cfg.Now),
		tracker: newPresenceTracker(),
		queue:   queue,
		mailbox: make(chan any, 128),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// MutationHook returns the callback to register with the entity runtime for
// local mutations. The hook is a no-op while the session itself is applying
// an operation, which is what prevents rebroadcast loops.
func (s *Session) MutationHook() scene.MutateFunc {
	return func(typ models.OperationType, payload models.OperationPayload) {
		if s.suppress.Load() {
			return
		}
		s.post(cmdLocalMutation{typ: typ, payload: payload})
	}
}

// Events returns the event stream. The channel is closed when the session
// shuts down. Slow consumers lose events rather than stalling the engine.
func (s *Session) Events() <-chan Event { return s.events }

// Connect starts establishing the transport. Safe to call repeatedly.
func (s *Session) Connect() { s.post(cmdConnect{}) }

// Disconnect closes the transport and cancels any scheduled reconnect
// attempt. The session stays usable offline; Connect resumes.
func (s *Session) Disconnect() {
	reply := make(chan struct{}, 1)
	s.post(cmdDisconnect{reply: reply})
	select {
	case <-reply:
	case <-s.done:
	}
}

// Close shuts the session down and releases the offline journal.
func (s *Session) Close() {
	s.closeMu.Do(func() { close(s.done) })
}

// Submit generates a local operation: it applies the mutation to the runtime,
// records it in the operation log, and broadcasts it (or queues it while
// offline). This is the entry point for edits that do not go through the
// runtime's own mutation hook.
func (s *Session) Submit(typ models.OperationType, payload models.OperationPayload) (*models.Operation, error) {
	reply := make(chan submitResult, 1)
	s.post(cmdSubmit{typ: typ, payload: payload, reply: reply})
	select {
	case res := <-reply:
		return res.op, res.err
	case <-s.done:
		return nil, fmt.Errorf("session closed")
	}
}

// RequestLock asks for advisory ownership of a target key. It returns false
// immediately when the key is already locked in local state or the client is
// offline; true means the request was sent and a grant may arrive as a
// LockEvent.
func (s *Session) RequestLock(key string) bool {
	reply := make(chan bool, 1)
	s.post(cmdRequestLock{key: key, reply: reply})
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		return false
	}
}

// ReleaseLock gives up a held lock. Only effective for the current owner.
func (s *Session) ReleaseLock(key string) bool {
	reply := make(chan bool, 1)
	s.post(cmdReleaseLock{key: key, reply: reply})
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		return false
	}
}

// UpdatePresence sends a fire-and-forget presence update. Nil fields are
// omitted; nothing is sent while offline.
func (s *Session) UpdatePresence(cursor *models.Cursor, selection []string, viewport *models.Viewport, status models.ParticipantStatus, tool string) {
	s.post(cmdPresence{msg: protocol.Presence{
		Cursor:    cursor,
		Selection: selection,
		Viewport:  viewport,
		Status:    status,
		Tool:      tool,
	}})
}

// SendChat relays a chat message to the other participants.
func (s *Session) SendChat(text string) error {
	reply := make(chan error, 1)
	s.post(cmdChat{text: text, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return fmt.Errorf("session closed")
	}
}

// Status returns a snapshot of connection, queue, roster, and lock state.
func (s *Session) Status() Status {
	reply := make(chan Status, 1)
	s.post(cmdStatus{reply: reply})
	select {
	case st := <-reply:
		return st
	case <-s.done:
		return Status{}
	}
}

// post delivers a message to the loop unless the session is closed.
func (s *Session) post(m any) {
	select {
	case s.mailbox <- m:
	case <-s.done:
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Debug("event dropped, consumer too slow", "event", fmt.Sprintf("%T", e))
	}
}

// ---- Event loop ----

func (s *Session) run() {
	defer s.cleanup()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.mailbox:
			s.dispatch(m)
		}
	}
}

func (s *Session) cleanup() {
	s.teardownConn()
	s.cancelReconnect()
	s.locks.StopAll()
	if err := s.queue.Close(); err != nil {
		s.logger.Warn("close offline journal", "error", err)
	}
	close(s.events)
}

func (s *Session) dispatch(m any) {
	switch v := m.(type) {
	case cmdConnect:
		s.manual = false
		s.attempts = 0
		s.dial()
	case cmdDisconnect:
		s.manual = true
		wasOnline := s.online
		s.cancelReconnect()
		s.teardownConn()
		if wasOnline {
			s.emit(DisconnectedEvent{Reason: "disconnect requested"})
		}
		v.reply <- struct{}{}
	case cmdSubmit:
		v.reply <- s.handleSubmit(v.typ, v.payload)
	case cmdLocalMutation:
		op := s.oplog.Append(v.typ, v.payload)
		s.broadcastOrQueue(op)
	case cmdRequestLock:
		v.reply <- s.handleRequestLock(v.key)
	case cmdReleaseLock:
		v.reply <- s.handleReleaseLock(v.key)
	case cmdPresence:
		s.handlePresenceSend(v.msg)
	case cmdChat:
		v.reply <- s.handleChatSend(v.text)
	case cmdStatus:
		v.reply <- Status{
			Online:         s.online,
			Attempts:       s.attempts,
			Queued:         s.queue.Len(),
			Unacked:        s.sent - s.acked,
			OperationIndex: s.operationIndex,
			Lamport:        s.oplog.Lamport(),
			Participants:   s.tracker.Snapshot(),
			Locks:          s.locks.Snapshot(),
		}
	case dialResult:
		s.handleDialResult(v)
	case connLost:
		s.handleConnLost(v)
	case inboundFrame:
		if v.gen == s.connGen {
			s.handleFrame(v.data)
		}
	case reconnectDue:
		s.reconnectTimer = nil
		if !s.manual && !s.online {
			s.dial()
		}
	case lockExpired:
		s.handleLockExpired(v.key)
	}
}

// ---- Transport ----

func (s *Session) dial() {
	if s.online || s.dialing {
		return
	}
	s.dialing = true
	s.connGen++
	gen := s.connGen

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel

	go func() {
		conn, err := s.cfg.Dialer.Dial(ctx)
		s.post(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (s *Session) handleDialResult(res dialResult) {
	if res.gen != s.connGen {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	s.dialing = false

	if res.err != nil {
		s.logger.Debug("dial failed", "error", res.err, "attempt", s.attempts)
		if !s.manual {
			s.scheduleReconnect()
		}
		return
	}

	s.conn = res.conn
	s.send = make(chan []byte, sendBuffer)
	s.online = true
	s.attempts = 0

	go readPump(s, res.conn, res.gen)
	go writePump(s, res.conn, s.send, res.gen)

	s.sendMessage(&protocol.Authenticate{
		UserID:         s.cfg.UserID,
		SessionID:      s.cfg.SessionID,
		Name:           s.cfg.Name,
		Timestamp:      s.cfg.Now().UnixMilli(),
		OperationIndex: s.operationIndex,
	})
	s.flushQueue()
}

func readPump(s *Session, conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.post(connLost{gen: gen, err: err})
			return
		}
		s.post(inboundFrame{gen: gen, data: data})
	}
}

func writePump(s *Session, conn Conn, send <-chan []byte, gen int) {
	var failed error
	for data := range send {
		if failed != nil {
			continue // drain so the loop never blocks on a dead connection
		}
		if err := conn.WriteMessage(data); err != nil {
			failed = err
			// Report asynchronously and keep draining so the loop never
			// blocks on a dead connection's send buffer.
			go s.post(connLost{gen: gen, err: err})
		}
	}
}

func (s *Session) handleConnLost(v connLost) {
	if v.gen != s.connGen {
		return
	}
	reason := "connection closed"
	if v.err != nil {
		reason = v.err.Error()
	}
	s.teardownConn()
	s.emit(DisconnectedEvent{Reason: reason})
	if !s.manual {
		s.scheduleReconnect()
	}
}

func (s *Session) teardownConn() {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.dialing = false
	if s.conn != nil {
		close(s.send)
		s.conn.Close()
		s.conn = nil
		s.send = nil
	}
	s.online = false
	// Invalidate in-flight frames from the old pumps and any dial that is
	// still completing, so a manual disconnect cannot be undone by a late
	// dial result.
	s.connGen++
}

func (s *Session) scheduleReconnect() {
	if s.reconnectTimer != nil {
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Warn("reconnect attempts exhausted", "attempts", s.attempts)
		s.emit(ReconnectFailedEvent{Attempts: s.attempts})
		return
	}
	delay := reconnectDelay(s.attempts)
	s.attempts++
	s.emit(ReconnectingEvent{Attempt: s.attempts, Delay: delay})
	s.reconnectTimer = time.AfterFunc(delay, func() { s.post(reconnectDue{}) })
}

func (s *Session) cancelReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// reconnectDelay computes min(1000 ms * 2^attempt, 30 s).
func reconnectDelay(attempt int) time.Duration {
	if attempt > 5 {
		return maxReconnectDelay
	}
	d := baseReconnectDelay << uint(attempt)
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func (s *Session) sendMessage(m protocol.Message) {
	if !s.online {
		return
	}
	data, err := protocol.Encode(m)
	if err != nil {
		s.logger.Warn("encode outbound message", "error", err, "type", m.MessageType())
		return
	}
	s.send <- data
}

func (s *Session) flushQueue() {
	ops := s.queue.Drain()
	for _, op := range ops {
		s.sendMessage(&protocol.OperationMessage{Operation: *op})
		s.sent++
	}
	if len(ops) > 0 {
		s.logger.Info("flushed offline queue", "count", len(ops))
	}
}

// ---- Local operations ----

func (s *Session) handleSubmit(typ models.OperationType, payload models.OperationPayload) submitResult {
	if err := s.applyLocal(&models.Operation{Type: typ, Payload: payload}); err != nil {
		return submitResult{err: fmt.Errorf("apply local operation: %w", err)}
	}
	op := s.oplog.Append(typ, payload)
	if err := s.broadcastOrQueue(op); err != nil {
		return submitResult{op: op, err: err}
	}
	return submitResult{op: op}
}

func (s *Session) broadcastOrQueue(op *models.Operation) error {
	if s.online {
		s.sendMessage(&protocol.OperationMessage{Operation: *op})
		s.sent++
		return nil
	}
	if err := s.queue.Append(op); err != nil {
		s.logger.Warn("offline queue rejected operation", "error", err, "operation_id", op.ID)
		return err
	}
	return nil
}

// applyLocal and applyRemote both funnel into the runtime through applyOp,
// which never broadcasts; broadcasting is the caller's decision.
func (s *Session) applyLocal(op *models.Operation) error { return s.applyOp(op) }

func (s *Session) applyOp(op *models.Operation) error {
	s.suppress.Store(true)
	defer s.suppress.Store(false)
	return scene.Apply(s.runtime, op)
}

// ---- Inbound messages ----

func (s *Session) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed messages are rejected before the resolver or applier
		// ever sees them.
		s.logger.Warn("rejected inbound message", "error", err)
		return
	}

	switch v := msg.(type) {
	case *protocol.OperationMessage:
		s.handleRemoteOperation(&v.Operation)
	case *protocol.BatchOperations:
		for i := range v.Operations {
			s.handleRemoteOperation(&v.Operations[i])
		}
	case *protocol.Acknowledgement:
		if v.UserID == s.cfg.UserID {
			s.acked++
			s.advanceIndex(v.Seq)
		}
	case *protocol.UserJoined:
		s.tracker.Join(v.UserID, v.Name, v.Color, s.cfg.Now())
		s.emit(ParticipantJoinedEvent{UserID: v.UserID, Name: v.Name, Color: v.Color})
	case *protocol.UserLeft:
		for _, key := range s.locks.ReleaseOwnedBy(v.UserID) {
			s.emit(LockEvent{Key: key, OwnerID: v.UserID, Acquired: false})
		}
		s.tracker.Leave(v.UserID)
		s.emit(ParticipantLeftEvent{UserID: v.UserID, Name: v.Name})
	case *protocol.Presence:
		if p := s.tracker.Apply(v); p != nil {
			s.emit(PresenceEvent{Participant: *p})
		}
	case *protocol.LockAcquired:
		s.handleLockAcquired(v)
	case *protocol.LockReleased:
		if s.locks.Release(v.LockKey, v.UserID) {
			s.emit(LockEvent{Key: v.LockKey, OwnerID: v.UserID, Acquired: false, Mine: v.UserID == s.cfg.UserID})
		}
	case *protocol.ProjectState:
		s.handleProjectState(v)
	case *protocol.Chat:
		s.emit(ChatEvent{UserID: v.UserID, Message: v.Message, Timestamp: v.Timestamp})
	case *protocol.ErrorMessage:
		s.logger.Warn("coordinator rejected message", "code", v.Code, "message", v.Message)
	default:
		s.logger.Debug("ignoring message", "type", msg.MessageType())
	}
}

func (s *Session) handleRemoteOperation(op *models.Operation) {
	// Own echo: the coordinator relayed our operation back (or resync included
	// it). Advance the index, never re-apply.
	if op.UserID == s.cfg.UserID && op.SessionID == s.cfg.SessionID {
		s.advanceIndex(op.Seq)
		return
	}

	s.oplog.Observe(op)

	res := resolve.Resolve(op, s.oplog.Recent())
	if res.Conflicted() {
		s.emit(ConflictEvent{
			Remote:        *op,
			Local:         *res.Local,
			RemoteApplied: res.Outcome == resolve.RemoteWins,
		})
	}
	if res.Outcome != resolve.LocalWins {
		if err := s.applyOp(op); err != nil {
			// Per-operation failures never abort the session.
			s.logger.Warn("apply remote operation failed",
				"error", err,
				"operation_type", op.Type,
				"entity_id", op.Payload.EntityID,
				"from", op.UserID,
			)
		}
	}
	s.advanceIndex(op.Seq)
}

func (s *Session) advanceIndex(seq int64) {
	if seq > s.operationIndex {
		s.operationIndex = seq
	}
}

func (s *Session) handleProjectState(ps *protocol.ProjectState) {
	if loader, ok := s.runtime.(StateLoader); ok && len(ps.State) > 0 {
		s.suppress.Store(true)
		err := loader.Load(ps.State)
		s.suppress.Store(false)
		if err != nil {
			s.logger.Warn("load project state failed", "error", err)
		}
	}

	for _, p := range ps.Participants {
		if p.UserID == s.cfg.UserID {
			continue
		}
		joined := s.tracker.Join(p.UserID, p.Name, p.DisplayColor, p.JoinedAt)
		joined.Cursor = p.Cursor
		joined.Selection = p.Selection
		joined.Viewport = p.Viewport
		if p.Status.Valid() {
			joined.Status = p.Status
		}
	}

	// Apply only operations beyond our local index; replaying 1..n twice
	// would violate resync idempotence.
	resynced := 0
	for i := range ps.Operations {
		op := &ps.Operations[i]
		if op.Seq <= s.operationIndex {
			continue
		}
		s.handleRemoteOperation(op)
		resynced++
	}

	s.emit(ConnectedEvent{Resynced: resynced})
}

// ---- Locks ----

func (s *Session) handleRequestLock(key string) bool {
	if s.locks.Held(key) {
		return false
	}
	if !s.online {
		return false
	}
	s.sendMessage(&protocol.RequestLock{LockMessage: s.lockMessage(key)})
	return true
}

func (s *Session) handleReleaseLock(key string) bool {
	if !s.locks.OwnedByMe(key) {
		return false
	}
	s.locks.Release(key, s.cfg.UserID)
	s.sendMessage(&protocol.ReleaseLock{LockMessage: s.lockMessage(key)})
	s.emit(LockEvent{Key: key, OwnerID: s.cfg.UserID, Acquired: false, Mine: true})
	return true
}

func (s *Session) handleLockAcquired(v *protocol.LockAcquired) {
	expiresAt := time.UnixMilli(v.ExpiresAt)
	if v.ExpiresAt == 0 {
		expiresAt = s.cfg.Now().Add(s.cfg.LockTimeout)
	}
	key := v.LockKey
	s.locks.Grant(key, v.UserID, expiresAt, func() { s.post(lockExpired{key: key}) })
	s.emit(LockEvent{Key: key, OwnerID: v.UserID, Acquired: true, Mine: v.UserID == s.cfg.UserID})
}

func (s *Session) handleLockExpired(key string) {
	if !s.locks.OwnedByMe(key) {
		return
	}
	s.locks.Release(key, s.cfg.UserID)
	s.sendMessage(&protocol.ReleaseLock{LockMessage: s.lockMessage(key)})
	s.emit(LockEvent{Key: key, OwnerID: s.cfg.UserID, Acquired: false, Mine: true})
	s.logger.Debug("lock auto-released", "key", key)
}

func (s *Session) lockMessage(key string) protocol.LockMessage {
	msg := protocol.LockMessage{LockKey: key, UserID: s.cfg.UserID}
	if entity, component, found := strings.Cut(key, ":"); found {
		msg.EntityID = entity
		msg.ComponentType = component
	} else {
		msg.EntityID = key
	}
	return msg
}

// ---- Presence and chat ----

func (s *Session) handlePresenceSend(msg protocol.Presence) {
	if !s.online {
		return // fire-and-forget: stale presence is corrected by the next update
	}
	msg.UserID = s.cfg.UserID
	msg.Timestamp = s.cfg.Now().UnixMilli()
	s.sendMessage(&msg)
}

func (s *Session) handleChatSend(text string) error {
	if !s.online {
		return fmt.Errorf("not connected")
	}
	s.sendMessage(&protocol.Chat{
		Message:   text,
		UserID:    s.cfg.UserID,
		Timestamp: s.cfg.Now().UnixMilli(),
	})
	return nil
}
