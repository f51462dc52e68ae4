package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/scenesync/internal/models"
	"github.com/kilupskalvis/scenesync/internal/protocol"
	"github.com/kilupskalvis/scenesync/internal/scene"
)

const frameTimeout = 2 * time.Second

// pipeConn is the coordinator's side of an in-memory connection: the test
// writes to in and reads from out.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop severs the connection from the far side, as a network failure would.
func (c *pipeConn) drop() { c.Close() }

// serverSend pushes an encoded message to the client.
func (c *pipeConn) serverSend(t *testing.T, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	select {
	case c.in <- data:
	case <-time.After(frameTimeout):
		t.Fatal("client never drained inbound frame")
	}
}

// serverRecv reads and decodes the next client frame.
func (c *pipeConn) serverRecv(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-c.out:
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		return m
	case <-time.After(frameTimeout):
		t.Fatal("no frame from client")
		return nil
	}
}

// expectNoFrame asserts the client stays quiet for the given window.
func (c *pipeConn) expectNoFrame(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame from client: %s", data)
	case <-time.After(window):
	}
}

// fakeDialer hands out prepared connections in order and refuses once empty.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) offer(c *pipeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestSession(t *testing.T, dialer Dialer, doc scene.Mutator, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		UserID:    "alice",
		SessionID: "proj-1",
		Name:      "Alice",
		Dialer:    dialer,
		Runtime:   doc,
		Logger:    testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// waitEvent reads events until one matches, failing the test on timeout.
func waitEvent(t *testing.T, s *Session, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
		}
	}
}

func isType[T Event](e Event) bool { _, ok := e.(T); return ok }

func remoteOp(seq int64, user string, typ models.OperationType, p models.OperationPayload, ts int64) *protocol.OperationMessage {
	return &protocol.OperationMessage{Operation: models.Operation{
		ID:        seq,
		Seq:       seq,
		Type:      typ,
		Payload:   p,
		UserID:    user,
		SessionID: "proj-1",
		Timestamp: ts,
	}}
}

func TestSession_OfflineSubmitsQueueThenFlushInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	doc := scene.NewDocument()
	s := newTestSession(t, dialer, doc, nil)

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: id})
		require.NoError(t, err)
	}

	// Offline submits apply locally and buffer for later.
	assert.Equal(t, 3, doc.Len())
	assert.Equal(t, 3, s.Status().Queued)

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()

	auth, ok := conn.serverRecv(t).(*protocol.Authenticate)
	require.True(t, ok)
	assert.Equal(t, "alice", auth.UserID)
	assert.Equal(t, int64(0), auth.OperationIndex)

	// The queue flushes once, in generation order.
	for i, want := range []string{"e1", "e2", "e3"} {
		msg, ok := conn.serverRecv(t).(*protocol.OperationMessage)
		require.True(t, ok, "frame %d", i)
		assert.Equal(t, want, msg.Payload.EntityID)
		assert.Equal(t, int64(i+1), msg.ID)
	}
	conn.expectNoFrame(t, 100*time.Millisecond)
	assert.Equal(t, 0, s.Status().Queued)
}

func TestSession_QueueCapRejectsSubmit(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), func(cfg *Config) {
		cfg.MaxQueued = 2
	})

	_, err := s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: "e1"})
	require.NoError(t, err)
	_, err = s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: "e2"})
	require.NoError(t, err)
	_, err = s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: "e3"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSession_ResyncAppliesOnlyUnseenOperations(t *testing.T) {
	dialer := &fakeDialer{}
	doc := scene.NewDocument()
	s := newTestSession(t, dialer, doc, nil)

	conn1 := newPipeConn()
	dialer.offer(conn1)
	s.Connect()
	conn1.serverRecv(t) // authenticate

	conn1.serverSend(t, &protocol.ProjectState{
		State: json.RawMessage(`{}`),
		Operations: []models.Operation{
			remoteOp(1, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e1"}, 1000).Operation,
			remoteOp(2, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e2"}, 1001).Operation,
			remoteOp(3, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e3"}, 1002).Operation,
		},
	})
	e := waitEvent(t, s, isType[ConnectedEvent])
	assert.Equal(t, 3, e.(ConnectedEvent).Resynced)
	assert.Equal(t, 3, doc.Len())
	assert.Equal(t, int64(3), s.Status().OperationIndex)

	// Network drops; the session schedules a reconnect and redials with the
	// index it has already applied.
	conn2 := newPipeConn()
	dialer.offer(conn2)
	conn1.drop()

	waitEvent(t, s, isType[DisconnectedEvent])
	re := waitEvent(t, s, isType[ReconnectingEvent]).(ReconnectingEvent)
	assert.Equal(t, 1, re.Attempt)
	assert.Equal(t, time.Second, re.Delay)

	auth, ok := conn2.serverRecv(t).(*protocol.Authenticate)
	require.True(t, ok)
	assert.Equal(t, int64(3), auth.OperationIndex)

	// The coordinator replays a window that overlaps what we already have;
	// only seq 4 and 5 may apply.
	conn2.serverSend(t, &protocol.ProjectState{
		Operations: []models.Operation{
			remoteOp(2, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e2"}, 1001).Operation,
			remoteOp(3, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e3"}, 1002).Operation,
			remoteOp(4, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e4"}, 1003).Operation,
			remoteOp(5, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e5"}, 1004).Operation,
		},
	})
	e = waitEvent(t, s, isType[ConnectedEvent])
	assert.Equal(t, 2, e.(ConnectedEvent).Resynced)
	assert.Equal(t, 5, doc.Len())
	assert.Equal(t, int64(5), s.Status().OperationIndex)
}

func TestSession_ConflictResolution(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	dialer := &fakeDialer{}
	doc := scene.NewDocument()
	s := newTestSession(t, dialer, doc, func(cfg *Config) {
		cfg.Now = func() time.Time { return base }
	})

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	_, err := s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: "e1"})
	require.NoError(t, err)
	_, err = s.Submit(models.OpComponentAdded, models.OperationPayload{
		EntityID: "e1", ComponentType: "transform", Data: map[string]any{"x": 1.0},
	})
	require.NoError(t, err)
	conn.serverRecv(t)
	conn.serverRecv(t)

	t.Run("older remote inside window loses", func(t *testing.T) {
		conn.serverSend(t, remoteOp(1, "zed", models.OpComponentAdded, models.OperationPayload{
			EntityID: "e1", ComponentType: "transform", Data: map[string]any{"x": 99.0},
		}, base.UnixMilli()-500))

		e := waitEvent(t, s, isType[ConflictEvent]).(ConflictEvent)
		assert.False(t, e.RemoteApplied)
		assert.Equal(t, "zed", e.Remote.UserID)
		assert.Equal(t, "alice", e.Local.UserID)
		assert.Equal(t, 1.0, doc.Entity("e1").Components["transform"]["x"])
	})

	t.Run("newer remote wins", func(t *testing.T) {
		conn.serverSend(t, remoteOp(2, "zed", models.OpComponentAdded, models.OperationPayload{
			EntityID: "e1", ComponentType: "transform", Data: map[string]any{"x": 77.0},
		}, base.UnixMilli()+5))

		e := waitEvent(t, s, isType[ConflictEvent]).(ConflictEvent)
		assert.True(t, e.RemoteApplied)
		assert.Equal(t, 77.0, doc.Entity("e1").Components["transform"]["x"])
	})
}

// countingRuntime wraps a document and counts entity creations.
type countingRuntime struct {
	*scene.Document
	creates int
}

func (c *countingRuntime) CreateEntity(id string, data map[string]any) error {
	c.creates++
	return c.Document.CreateEntity(id, data)
}

func TestSession_OwnEchoAdvancesIndexWithoutReapply(t *testing.T) {
	dialer := &fakeDialer{}
	doc := &countingRuntime{Document: scene.NewDocument()}
	s := newTestSession(t, dialer, doc, nil)

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	op, err := s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: "e1"})
	require.NoError(t, err)
	sent, ok := conn.serverRecv(t).(*protocol.OperationMessage)
	require.True(t, ok)

	// Coordinator assigns a sequence and echoes the operation back.
	echoed := sent.Operation
	echoed.Seq = 7
	conn.serverSend(t, &protocol.OperationMessage{Operation: echoed})
	conn.serverSend(t, &protocol.Acknowledgement{OperationID: op.ID, Seq: 7, UserID: "alice"})

	require.Eventually(t, func() bool {
		return s.Status().OperationIndex == 7
	}, frameTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, doc.creates, "own echo must not be re-applied")
	assert.Equal(t, 0, s.Status().Unacked)
}

func TestSession_RemoteApplyDoesNotRebroadcast(t *testing.T) {
	dialer := &fakeDialer{}
	doc := scene.NewDocument()
	s := newTestSession(t, dialer, doc, nil)
	doc.SetOnMutate(s.MutationHook())

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	conn.serverSend(t, remoteOp(1, "bob", models.OpEntityCreated, models.OperationPayload{EntityID: "e1"}, 1000))
	require.Eventually(t, func() bool { return doc.Len() == 1 }, frameTimeout, 10*time.Millisecond)

	// The runtime fired its mutation hook during the apply; suppression must
	// keep that from turning into an outbound operation.
	conn.expectNoFrame(t, 150*time.Millisecond)

	// A genuine local edit still broadcasts exactly once: Submit applies with
	// the hook suppressed, then sends the operation itself.
	_, err := s.Submit(models.OpEntityCreated, models.OperationPayload{EntityID: "e2"})
	require.NoError(t, err)
	msg, ok := conn.serverRecv(t).(*protocol.OperationMessage)
	require.True(t, ok)
	assert.Equal(t, "e2", msg.Payload.EntityID)
}

func TestSession_LockLifecycle(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), func(cfg *Config) {
		cfg.LockTimeout = 200 * time.Millisecond
	})

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	require.True(t, s.RequestLock("e1:transform"))
	req, ok := conn.serverRecv(t).(*protocol.RequestLock)
	require.True(t, ok)
	assert.Equal(t, "e1:transform", req.LockKey)
	assert.Equal(t, "e1", req.EntityID)
	assert.Equal(t, "transform", req.ComponentType)

	conn.serverSend(t, &protocol.LockAcquired{LockMessage: protocol.LockMessage{
		LockKey: "e1:transform", UserID: "alice",
		ExpiresAt: time.Now().Add(200 * time.Millisecond).UnixMilli(),
	}})
	e := waitEvent(t, s, isType[LockEvent]).(LockEvent)
	assert.True(t, e.Acquired)
	assert.True(t, e.Mine)

	// A key locked in local state is refused without a round trip.
	assert.False(t, s.RequestLock("e1:transform"))

	// The auto-release timer fires and gives the lock back.
	rel, ok := conn.serverRecv(t).(*protocol.ReleaseLock)
	require.True(t, ok)
	assert.Equal(t, "e1:transform", rel.LockKey)
	e = waitEvent(t, s, isType[LockEvent]).(LockEvent)
	assert.False(t, e.Acquired)
	assert.True(t, e.Mine)
	assert.True(t, s.RequestLock("e1:transform"), "expired lock is free again")
}

func TestSession_LockHeldByOtherRefusedLocally(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), nil)

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	conn.serverSend(t, &protocol.LockAcquired{LockMessage: protocol.LockMessage{
		LockKey: "e2", UserID: "bob",
		ExpiresAt: time.Now().Add(30 * time.Second).UnixMilli(),
	}})
	e := waitEvent(t, s, isType[LockEvent]).(LockEvent)
	assert.False(t, e.Mine)

	assert.False(t, s.RequestLock("e2"))
	conn.expectNoFrame(t, 100*time.Millisecond)
}

func TestSession_DepartedUserLocksCascade(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), nil)

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	conn.serverSend(t, &protocol.UserJoined{UserID: "bob", Name: "Bob", Color: "#f2555a"})
	waitEvent(t, s, isType[ParticipantJoinedEvent])
	conn.serverSend(t, &protocol.LockAcquired{LockMessage: protocol.LockMessage{
		LockKey: "e1", UserID: "bob",
		ExpiresAt: time.Now().Add(30 * time.Second).UnixMilli(),
	}})
	waitEvent(t, s, isType[LockEvent])

	conn.serverSend(t, &protocol.UserLeft{UserID: "bob", Name: "Bob"})
	e := waitEvent(t, s, isType[LockEvent]).(LockEvent)
	assert.Equal(t, "e1", e.Key)
	assert.False(t, e.Acquired)
	waitEvent(t, s, isType[ParticipantLeftEvent])

	assert.True(t, s.RequestLock("e1"))
}

func TestSession_RequestLockOfflineReturnsFalse(t *testing.T) {
	s := newTestSession(t, &fakeDialer{}, scene.NewDocument(), nil)
	assert.False(t, s.RequestLock("e1"))
}

func TestSession_PresenceAndChatRelay(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), nil)

	conn := newPipeConn()
	dialer.offer(conn)
	s.Connect()
	conn.serverRecv(t) // authenticate

	s.UpdatePresence(&models.Cursor{X: 4, Y: 2}, nil, nil, models.StatusActive, "move")
	p, ok := conn.serverRecv(t).(*protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, 4.0, p.Cursor.X)
	assert.Equal(t, "move", p.Tool)

	require.NoError(t, s.SendChat("ship it"))
	c, ok := conn.serverRecv(t).(*protocol.Chat)
	require.True(t, ok)
	assert.Equal(t, "ship it", c.Message)

	conn.serverSend(t, &protocol.UserJoined{UserID: "bob", Name: "Bob", Color: "#f2555a"})
	waitEvent(t, s, isType[ParticipantJoinedEvent])
	conn.serverSend(t, &protocol.Presence{UserID: "bob", Cursor: &models.Cursor{X: 9}, Timestamp: 100})
	e := waitEvent(t, s, isType[PresenceEvent]).(PresenceEvent)
	assert.Equal(t, 9.0, e.Participant.Cursor.X)

	conn.serverSend(t, &protocol.Chat{UserID: "bob", Message: "hello", Timestamp: 100})
	ce := waitEvent(t, s, isType[ChatEvent]).(ChatEvent)
	assert.Equal(t, "hello", ce.Message)
}

func TestSession_ChatOfflineFails(t *testing.T) {
	s := newTestSession(t, &fakeDialer{}, scene.NewDocument(), nil)
	assert.Error(t, s.SendChat("anyone there"))
}

// gatedDialer blocks every dial until the gate is closed, so a test can hold
// a dial in flight across other session commands.
type gatedDialer struct {
	gate  chan struct{}
	conns chan *pipeConn
}

func (d *gatedDialer) Dial(ctx context.Context) (Conn, error) {
	<-d.gate
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errors.New("dial refused")
	}
}

func TestSession_DisconnectNotUndoneByInFlightDial(t *testing.T) {
	conn := newPipeConn()
	dialer := &gatedDialer{gate: make(chan struct{}), conns: make(chan *pipeConn, 1)}
	dialer.conns <- conn
	s := newTestSession(t, dialer, scene.NewDocument(), nil)

	s.Connect()
	s.Disconnect()

	// The dial completes only now, with a live connection; the session must
	// discard it rather than flip back online.
	close(dialer.gate)
	require.Eventually(t, func() bool {
		select {
		case <-conn.closed:
			return true
		default:
			return false
		}
	}, frameTimeout, 10*time.Millisecond, "stale dial result never closed")
	assert.False(t, s.Status().Online)
}

func TestSession_DisconnectCancelsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), nil)

	s.Connect()
	waitEvent(t, s, isType[ReconnectingEvent])
	s.Disconnect()

	// The scheduled attempt would have fired after 1 s.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSession_ReconnectAttemptsExhaust(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, scene.NewDocument(), func(cfg *Config) {
		cfg.MaxReconnectAttempts = 1
	})

	s.Connect()
	re := waitEvent(t, s, isType[ReconnectingEvent]).(ReconnectingEvent)
	assert.Equal(t, 1, re.Attempt)

	e := waitEvent(t, s, isType[ReconnectFailedEvent]).(ReconnectFailedEvent)
	assert.Equal(t, 1, e.Attempts)
}

func TestReconnectDelay_Formula(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32 s capped
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reconnectDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}
