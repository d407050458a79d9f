package mbc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// pendingCall tracks one outstanding call-with-reply. It is reachable
// from Connection.pending (so Kill can fail it) until it is delivered,
// cancelled, or detached-and-delivered.
type pendingCall struct {
	mu        sync.Mutex
	delivered bool
	cancelled bool
	cb        func(*dbus.Message, error)
}

func (p *pendingCall) fail(err error) {
	p.mu.Lock()
	if p.delivered || p.cancelled {
		p.mu.Unlock()
		return
	}
	p.delivered = true
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(nil, err)
	}
}

func (p *pendingCall) deliver(msg *dbus.Message, err error) {
	p.mu.Lock()
	if p.delivered || p.cancelled {
		p.mu.Unlock()
		return
	}
	p.delivered = true
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(msg, err)
	}
}

func (p *pendingCall) cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

// CallHandle is the scoped handle returned by CallAsync. Dropping it
// (letting it become unreachable without calling Cancel) has no effect
// by itself in Go; callers that want the "drop removes the pending entry"
// semantics must call Cancel explicitly, which removes the pending-reply
// entry and discards a reply that arrives afterwards.
type CallHandle struct {
	conn *Connection
	id   uint64
	p    *pendingCall
}

// Cancel removes the pending-reply entry. If the reply has not yet
// arrived, the callback will never be invoked. Safe to call more than
// once and safe to call after the callback has already fired.
func (h *CallHandle) Cancel() {
	h.p.cancel()
	h.conn.pendingMu.Lock()
	delete(h.conn.pending, h.id)
	h.conn.pendingMu.Unlock()
}

// Detach relinquishes the handle while keeping the callback live: the
// callback still fires exactly once, with the eventual reply or with
// ErrKilled if the connection dies first.
func (h *CallHandle) Detach() {}

var callIDs atomic.Uint64

// CallAsync issues a method call without suspending the caller. The
// message is already on the wire by the time this function returns; cb
// is invoked later with the deserialized reply or a taxonomy error.
func (c *Connection) CallAsync(dest string, path dbus.ObjectPath, iface, member string, args []interface{}, cb func(*dbus.Message, error)) *CallHandle {
	if c.Killed() {
		p := &pendingCall{cb: cb}
		go p.fail(ErrKilled)
		return &CallHandle{conn: c, p: p}
	}

	p := &pendingCall{cb: cb}
	id := callIDs.Add(1)
	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	obj := c.conn.Object(dest, path)
	doneCh := make(chan *dbus.Call, 1)
	call := obj.Go(iface+"."+member, 0, doneCh, args...)
	if call.Err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		go p.deliver(nil, &SendError{Err: call.Err})
		c.Kill()
		return &CallHandle{conn: c, id: id, p: p}
	}

	go func() {
		res := <-doneCh
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if res.Err != nil {
			err := decodeCallError(res.Err)
			p.deliver(nil, err)
			if _, sendFailed := err.(*SendError); sendFailed {
				c.Kill()
			}
			return
		}
		p.deliver(&dbus.Message{Body: res.Body}, nil)
	}()

	return &CallHandle{conn: c, id: id, p: p}
}

// Call is the suspend-until-reply convenience form of CallAsync.
func (c *Connection) Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, member string, args []interface{}) (*dbus.Message, error) {
	type result struct {
		msg *dbus.Message
		err error
	}
	ch := make(chan result, 1)
	h := c.CallAsync(dest, path, iface, member, args, func(msg *dbus.Message, err error) {
		ch <- result{msg, err}
	})
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}

// CallNoReply issues a method call with NoReplyExpected set. It is
// fire-and-forget, enqueued in strict FIFO order with every other
// outgoing operation.
func (c *Connection) CallNoReply(dest string, path dbus.ObjectPath, iface, member string, args []interface{}) {
	if c.Killed() {
		return
	}
	obj := c.conn.Object(dest, path)
	call := obj.Go(iface+"."+member, dbus.FlagNoReplyExpected, nil, args...)
	if call.Err != nil {
		c.log.Warn("call_no_reply failed to send", "iface", iface, "member", member, "err", call.Err)
		c.Kill()
	}
}

// SendSignal enqueues a signal in FIFO order with every other outgoing
// operation. It never suspends the caller.
func (c *Connection) SendSignal(path dbus.ObjectPath, iface, member string, args ...interface{}) {
	if c.Killed() {
		return
	}
	if err := c.conn.Emit(path, iface+"."+member, args...); err != nil {
		c.log.Warn("send_signal failed", "iface", iface, "member", member, "err", err)
		c.Kill()
	}
}

// GetProperty is the convenience wrapper that calls Properties.Get and
// maps the result into a dbus.Variant for the caller to unwrap.
func (c *Connection) GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, member string) (dbus.Variant, error) {
	msg, err := c.Call(ctx, dest, path, "org.freedesktop.DBus.Properties", "Get", []interface{}{iface, member})
	if err != nil {
		return dbus.Variant{}, err
	}
	if len(msg.Body) != 1 {
		return dbus.Variant{}, ErrDeserialize
	}
	v, ok := msg.Body[0].(dbus.Variant)
	if !ok {
		return dbus.Variant{}, ErrDeserialize
	}
	return v, nil
}

func decodeCallError(err error) error {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return &SendError{Err: err}
	}
	if dbusErr.Name == "" {
		return ErrNoErrorName
	}
	if len(dbusErr.Body) != 1 {
		return ErrNoErrorBody
	}
	text, ok := dbusErr.Body[0].(string)
	if !ok {
		return ErrNoErrorBody
	}
	return &ErrorReply{Name: dbusErr.Name, Text: text}
}
