package mbc

import (
	"runtime"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

// PendingReply is the one-shot scoped reply token handed to an exported
// method's handler. It can be held indefinitely without blocking the
// dispatch of other inbound calls: each inbound method invocation runs on
// its own goroutine.
type PendingReply struct {
	msg     *dbus.Message
	sender  string
	noReply bool

	mu   sync.Mutex
	sent bool
	out  chan reply
}

type reply struct {
	body []interface{}
	err  *dbus.Error
}

// Message returns the inbound method-call message the reply corresponds
// to, if one was recorded. Tokens handed to AddMethod handlers carry no
// message, so for them Message returns nil.
func (p *PendingReply) Message() *dbus.Message { return p.msg }

// Sender returns the caller's unique bus name, or "" if unknown.
func (p *PendingReply) Sender() string { return p.sender }

// Send delivers a successful, empty-bodied reply, the only kind this
// daemon's exported methods ever send.
func (p *PendingReply) Send() {
	p.finish(reply{})
}

// SendErr delivers an error reply using this daemon's single error name
// with text as the description.
func (p *PendingReply) SendErr(text string) {
	p.finish(reply{err: dbus.NewError(Unspecified, []interface{}{text})})
}

func (p *PendingReply) finish(r reply) {
	p.mu.Lock()
	if p.sent {
		p.mu.Unlock()
		return
	}
	p.sent = true
	p.mu.Unlock()
	runtime.SetFinalizer(p, nil)
	p.out <- r
}

func newPendingReply(msg *dbus.Message, sender string, noReply bool) *PendingReply {
	p := &PendingReply{msg: msg, sender: sender, noReply: noReply, out: make(chan reply, 1)}
	runtime.SetFinalizer(p, finalizePendingReply)
	return p
}

// finalizePendingReply implements the "auto-error-on-drop" rule: a token
// that becomes unreachable without an explicit Send/SendErr emits the
// generic error, unless the call had NoReplyExpected set.
func finalizePendingReply(p *PendingReply) {
	if p.noReply {
		return
	}
	p.finish(reply{err: dbus.NewError(Unspecified, []interface{}{"Application did not send a reply"})})
}

// MethodHandler handles one exported method invocation taking a single
// string argument, which is every method this daemon ever exports
// (RegisterStatusNotifierItem, RegisterStatusNotifierHost). It must
// eventually call exactly one of pr.Send / pr.SendErr, from any
// goroutine, at any point in the future.
type MethodHandler func(arg string, pr *PendingReply)

// Object is an exported bus object: a set of (interface, member) method
// handlers plus a set of (interface, property) values served
// automatically on the standard Properties interface.
type Object struct {
	conn  *Connection
	path  dbus.ObjectPath
	props *prop.Properties

	mu      sync.Mutex
	methods map[string]map[string]MethodHandler // iface -> member -> handler
}

// AddObject exports path with no properties seeded yet. Use
// AddObjectWithProps when the initial property set is known up front, as
// it is for every object this daemon exports.
func (c *Connection) AddObject(path dbus.ObjectPath) *Object {
	return c.AddObjectWithProps(path, prop.Map{})
}

// AddObjectWithProps exports path, seeding its Properties-interface
// values from props at construction time (no PropertiesChanged emitted
// for this initial set). Calling AddObject twice for the same path while
// a prior handle is still registered replaces its method table.
func (c *Connection) AddObjectWithProps(path dbus.ObjectPath, props prop.Map) *Object {
	o := &Object{conn: c, path: path, methods: make(map[string]map[string]MethodHandler)}

	c.objectsMu.Lock()
	c.objects[path] = o
	c.objectsMu.Unlock()

	exported, err := prop.Export(c.conn, path, props)
	if err != nil {
		c.log.Warn("prop.Export failed", "path", path, "err", err)
	}
	o.props = exported
	return o
}

// Close removes the object from the exported table; subsequent inbound
// calls to its path receive a generic error reply from godbus's own
// unhandled-object path.
func (o *Object) Close() {
	o.conn.objectsMu.Lock()
	delete(o.conn.objects, o.path)
	o.conn.objectsMu.Unlock()
	o.conn.conn.Export(nil, o.path, "")
}

// AddMethod registers handler for iface.member, replacing any prior
// registration for the same pair.
func (o *Object) AddMethod(iface, member string, handler MethodHandler) {
	o.mu.Lock()
	ifaceMethods, ok := o.methods[iface]
	if !ok {
		ifaceMethods = make(map[string]MethodHandler)
		o.methods[iface] = ifaceMethods
	}
	ifaceMethods[member] = handler
	table := make(map[string]interface{}, len(ifaceMethods))
	for name, h := range ifaceMethods {
		table[name] = o.wrap(h)
	}
	o.mu.Unlock()

	if err := o.conn.conn.ExportMethodTable(table, o.path, iface); err != nil {
		o.conn.log.Warn("ExportMethodTable failed", "path", o.path, "iface", iface, "err", err)
	}
}

// wrap adapts a MethodHandler into the synchronous, reflection-friendly
// shape ExportMethodTable requires: the call blocks on its own goroutine
// until the handler sends a reply, so other inbound calls keep flowing.
func (o *Object) wrap(h MethodHandler) func(string, dbus.Sender) *dbus.Error {
	return func(arg string, sender dbus.Sender) *dbus.Error {
		pr := newPendingReply(nil, string(sender), false)
		go h(arg, pr)
		r := <-pr.out
		return r.err
	}
}

// SetProperty sets (iface, member) and emits PropertiesChanged carrying
// exactly that field, with an empty invalidated list, regardless of
// whether the new value differs from the old one.
func (o *Object) SetProperty(iface, member string, value interface{}) {
	o.props.SetMust(iface, member, value)
}
