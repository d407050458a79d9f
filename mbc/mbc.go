package mbc

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Connection is the asynchronous message bus client. It owns a single
// underlying *dbus.Conn and fans incoming signals and method replies out
// to whichever caller is waiting on them. Signals are dispatched one at a
// time in the order they arrive. Each method reply is delivered on its
// own goroutine, so the relative order of reply callbacks is not defined.
type Connection struct {
	log  *slog.Logger
	conn *dbus.Conn

	killed atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	signalsMu sync.Mutex
	signals   []*signalEntry

	objectsMu sync.Mutex
	objects   map[dbus.ObjectPath]*Object

	sigCh chan *dbus.Signal
}

// Dial connects to the session bus and starts the client's background
// signal-dispatch loop. The transport handshake and wire codec are
// godbus's concern; Connection only ever sees already-parsed messages.
func Dial(log *slog.Logger) (*Connection, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return newConnection(log, conn), nil
}

// DialAddress connects to an explicit bus address, mainly for tests
// against a private bus.
func DialAddress(log *slog.Logger, address string) (*Connection, error) {
	conn, err := dbus.Dial(address)
	if err != nil {
		return nil, err
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return newConnection(log, conn), nil
}

func newConnection(log *slog.Logger, conn *dbus.Conn) *Connection {
	if log == nil {
		log = slog.Default()
	}
	c := &Connection{
		log:     log,
		conn:    conn,
		pending: make(map[uint64]*pendingCall),
		objects: make(map[dbus.ObjectPath]*Object),
		sigCh:   make(chan *dbus.Signal, 64),
	}
	conn.Signal(c.sigCh)
	go c.dispatchSignals()
	go c.watchDisconnect()
	return c
}

// watchDisconnect cascades a transport-level disconnect (the peer closing
// the socket, a read error, anything godbus itself gives up on) into
// Kill, the same as a local send failure does. This is the other half of
// the "any single message failing to send kills the connection" rule:
// messages the client never gets to try sending, because the transport
// is already gone, must kill the connection too.
func (c *Connection) watchDisconnect() {
	<-c.conn.Context().Done()
	c.Kill()
}

// Underlying exposes the wrapped godbus connection for operations this
// package deliberately does not re-abstract (BusObject construction for
// property reads performed outside the pipelined call path, and so on).
func (c *Connection) Underlying() *dbus.Conn { return c.conn }

// RequestName issues a fire-and-forget RequestName call with flags=0, as
// required by the external interface contract: name collisions are not
// fatal and are expected to be retried by callers on NameOwnerChanged.
func (c *Connection) RequestName(name string) {
	go func() {
		reply, err := c.conn.RequestName(name, 0)
		if err != nil {
			c.log.Warn("request name failed", "name", name, "err", err)
			return
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			c.log.Debug("request name did not become primary owner", "name", name, "reply", reply)
		}
	}()
}

// Kill tears the connection down: aborts signal dispatch, clears the
// signal-handler and exported-object tables, and fails every outstanding
// pending call exactly once with ErrKilled. Kill is idempotent.
func (c *Connection) Kill() {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendingMu.Unlock()
	for _, p := range pending {
		p.fail(ErrKilled)
	}

	c.signalsMu.Lock()
	c.signals = nil
	c.signalsMu.Unlock()

	c.objectsMu.Lock()
	objs := c.objects
	c.objects = make(map[dbus.ObjectPath]*Object)
	c.objectsMu.Unlock()
	for path := range objs {
		c.conn.Export(nil, path, "")
	}

	c.conn.RemoveSignal(c.sigCh)
	close(c.sigCh)
	c.conn.Close()
}

// Killed reports whether Kill has already run.
func (c *Connection) Killed() bool { return c.killed.Load() }
