package mbc

import (
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// MatchRule scopes a signal handler. Empty fields are wildcards. This
// mirrors the scoping this daemon actually needs (interface, member,
// sender, path) rather than the full bus match-rule grammar, since the
// core never needs arg-matches or path-namespace matches.
type MatchRule struct {
	Interface string
	Member    string
	Sender    string
	Path      dbus.ObjectPath
}

func (m MatchRule) matches(s *dbus.Signal) bool {
	if m.Member != "" || m.Interface != "" {
		full := s.Name
		if m.Interface != "" && m.Member != "" && full != m.Interface+"."+m.Member {
			return false
		}
		if m.Interface != "" && m.Member == "" {
			if len(full) <= len(m.Interface) || full[:len(m.Interface)] != m.Interface || full[len(m.Interface)] != '.' {
				return false
			}
		}
		if m.Member != "" && m.Interface == "" {
			idx := len(full) - len(m.Member)
			if idx <= 0 || full[idx:] != m.Member || full[idx-1] != '.' {
				return false
			}
		}
	}
	if m.Sender != "" && s.Sender != m.Sender {
		return false
	}
	if m.Path != "" && s.Path != m.Path {
		return false
	}
	return true
}

func matchOptions(m MatchRule) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if m.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(m.Interface))
	}
	if m.Member != "" {
		opts = append(opts, dbus.WithMatchMember(m.Member))
	}
	if m.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(m.Sender))
	}
	if m.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(m.Path))
	}
	return opts
}

type signalEntry struct {
	id       uint64
	rule     MatchRule
	disabled atomic.Bool
	cb       func(*dbus.Signal)
}

// SignalHandlerHandle is the scoped handle returned by HandleSignal.
type SignalHandlerHandle struct {
	conn  *Connection
	entry *signalEntry
}

var signalIDs atomic.Uint64

// HandleSignal registers cb for every signal matching rule, in the order
// registrations occur. The bus broker is told about the rule via
// AddMatchSignal immediately; dropping the handle (Remove) issues
// RemoveMatchSignal and disables the handler so an in-flight dispatch
// skips it even if it was already snapshotted.
func (c *Connection) HandleSignal(rule MatchRule, cb func(*dbus.Signal)) *SignalHandlerHandle {
	entry := &signalEntry{id: signalIDs.Add(1), rule: rule, cb: cb}

	c.signalsMu.Lock()
	c.signals = append(c.signals, entry)
	c.signalsMu.Unlock()

	if err := c.conn.AddMatchSignal(matchOptions(rule)...); err != nil {
		c.log.Warn("AddMatchSignal failed", "err", err)
	}

	return &SignalHandlerHandle{conn: c, entry: entry}
}

// Remove disables the handler and issues RemoveMatchSignal.
func (h *SignalHandlerHandle) Remove() {
	h.entry.disabled.Store(true)
	h.conn.signalsMu.Lock()
	for i, e := range h.conn.signals {
		if e == h.entry {
			h.conn.signals = append(h.conn.signals[:i], h.conn.signals[i+1:]...)
			break
		}
	}
	h.conn.signalsMu.Unlock()
	if err := h.conn.conn.RemoveMatchSignal(matchOptions(h.entry.rule)...); err != nil {
		h.conn.log.Debug("RemoveMatchSignal failed", "err", err)
	}
}

// dispatchSignals is the single reader loop for inbound signals: it
// snapshots the currently-registered handlers whose rule accepts the
// message, releases the lock, and invokes each matching, still-enabled
// callback in registration order.
func (c *Connection) dispatchSignals() {
	for sig := range c.sigCh {
		c.signalsMu.Lock()
		matched := make([]*signalEntry, 0, 2)
		for _, e := range c.signals {
			if e.rule.matches(sig) {
				matched = append(matched, e)
			}
		}
		c.signalsMu.Unlock()

		for _, e := range matched {
			if e.disabled.Load() {
				continue
			}
			e.cb(sig)
		}
	}
}
