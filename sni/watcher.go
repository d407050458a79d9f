// Package sni implements the StatusNotifierItem watcher and host-side
// item/menu tracking this daemon exposes to its bridge glue.
package sni

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/wl-tray-bridge/wl-tray-bridge/mbc"
)

const (
	WatcherPath = dbus.ObjectPath("/StatusNotifierWatcher")

	FDOWatcherName      = "org.freedesktop.StatusNotifierWatcher"
	FDOWatcherInterface = "org.freedesktop.StatusNotifierWatcher"
	KDEWatcherName      = "org.kde.StatusNotifierWatcher"
	KDEWatcherInterface = "org.kde.StatusNotifierWatcher"

	memberRegisterItem     = "RegisterStatusNotifierItem"
	memberRegisterHost     = "RegisterStatusNotifierHost"
	signalItemRegistered   = "StatusNotifierItemRegistered"
	signalItemUnregistered = "StatusNotifierItemUnregistered"
	signalHostRegistered   = "StatusNotifierHostRegistered"
)

// variant distinguishes the freedesktop and KDE watcher interfaces,
// which this daemon tracks in parallel with independent item and host
// sets, never merged.
type variant struct {
	fdo      bool
	name     string
	interfce string
}

var variants = []variant{
	{fdo: true, name: FDOWatcherName, interfce: FDOWatcherInterface},
	{fdo: false, name: KDEWatcherName, interfce: KDEWatcherInterface},
}

// activeVariants returns the watcher/host variants this process should
// drive: both, unless includeKDE is false, in which case only the
// freedesktop one is returned.
func activeVariants(includeKDE bool) []variant {
	if includeKDE {
		return variants
	}
	return variants[:1]
}

type watcherData struct {
	mu    sync.Mutex
	items map[string]struct{}
	hosts map[string]struct{}
}

func newWatcherData() *watcherData {
	return &watcherData{items: make(map[string]struct{}), hosts: make(map[string]struct{})}
}

func (d *watcherData) sortedItems() []string {
	out := make([]string, 0, len(d.items))
	for k := range d.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Watcher is the exported /StatusNotifierWatcher object implementing both
// the freedesktop and KDE interfaces side by side.
type Watcher struct {
	log  *slog.Logger
	conn *mbc.Connection
	obj  *mbc.Object

	data   map[bool]*watcherData // keyed by variant.fdo
	active []variant
}

// NewWatcher exports /StatusNotifierWatcher, requests the active
// variants' well-known names, and installs the NameOwnerChanged handler
// that re-requests a preempted name and tears down items/hosts owned by
// a disappeared peer. includeKDE controls whether the
// org.kde.StatusNotifierWatcher interface is exported alongside the
// freedesktop one.
func NewWatcher(log *slog.Logger, conn *mbc.Connection, includeKDE bool) *Watcher {
	w := &Watcher{
		log:  log,
		conn: conn,
		data: map[bool]*watcherData{true: newWatcherData(), false: newWatcherData()},
	}

	active := activeVariants(includeKDE)
	w.active = active

	props := prop.Map{}
	for _, v := range active {
		props[v.interfce] = map[string]*prop.Prop{
			"IsStatusNotifierHostRegistered": {Value: false, Writable: false, Emit: prop.EmitTrue, Callback: nil},
			"ProtocolVersion":                {Value: int32(0), Writable: false, Emit: prop.EmitTrue, Callback: nil},
			"RegisteredStatusNotifierItems":  {Value: []string{}, Writable: false, Emit: prop.EmitTrue, Callback: nil},
		}
	}
	w.obj = conn.AddObjectWithProps(WatcherPath, props)

	for _, v := range active {
		v := v
		w.obj.AddMethod(v.interfce, memberRegisterItem, func(arg string, pr *mbc.PendingReply) {
			w.registerItem(v, arg, pr.Sender())
			pr.Send()
		})
		w.obj.AddMethod(v.interfce, memberRegisterHost, func(arg string, pr *mbc.PendingReply) {
			w.registerHost(v, arg)
			pr.Send()
		})
		conn.RequestName(v.name)
	}

	conn.HandleSignal(mbc.MatchRule{Interface: "org.freedesktop.DBus", Member: "NameOwnerChanged"}, func(sig *dbus.Signal) {
		if len(sig.Body) != 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		w.handleNameOwnerChanged(name, newOwner)
	})

	return w
}

// registerItem implements §4.2's RegisterStatusNotifierItem resolution:
// freedesktop arguments are used verbatim; KDE arguments starting with
// "/" are prefixed with the caller's unique name, otherwise suffixed with
// "/StatusNotifierItem".
func (w *Watcher) registerItem(v variant, arg, sender string) {
	item := arg
	if !v.fdo {
		if strings.HasPrefix(arg, "/") {
			if sender == "" {
				return
			}
			item = sender + arg
		} else {
			item = arg + "/StatusNotifierItem"
		}
	}

	d := w.data[v.fdo]
	d.mu.Lock()
	_, existed := d.items[item]
	if !existed {
		d.items[item] = struct{}{}
	}
	items := d.sortedItems()
	d.mu.Unlock()

	if existed {
		return
	}
	w.obj.SetProperty(v.interfce, "RegisteredStatusNotifierItems", items)
	w.conn.SendSignal(WatcherPath, v.interfce, signalItemRegistered, item)
	w.log.Info("item registered", "variant", variantName(v), "item", item)
}

func (w *Watcher) registerHost(v variant, service string) {
	d := w.data[v.fdo]
	d.mu.Lock()
	_, existed := d.hosts[service]
	firstHost := false
	if !existed {
		d.hosts[service] = struct{}{}
		firstHost = len(d.hosts) == 1
	}
	d.mu.Unlock()

	if existed {
		return
	}
	w.conn.SendSignal(WatcherPath, v.interfce, signalHostRegistered)
	if firstHost {
		w.obj.SetProperty(v.interfce, "IsStatusNotifierHostRegistered", true)
	}
	w.log.Info("host registered", "variant", variantName(v), "service", service)
}

// handleNameOwnerChanged re-requests a watcher name if it was the one
// that lost its owner, then removes any item or host that belonged to
// the disappeared peer. This preserves the original's over-broad
// rebind condition (re-request fires on any peer loss matching the
// watcher's own interface name as a bus name, not only ownership
// transitions of the watcher's own well-known name) and its KDE
// prefix-based item removal, both intentionally kept as-is.
func (w *Watcher) handleNameOwnerChanged(name, newOwner string) {
	if newOwner != "" {
		return
	}
	for _, v := range w.active {
		if name == v.interfce {
			w.conn.RequestName(v.name)
		}
	}

	for _, v := range variants {
		d := w.data[v.fdo]
		d.mu.Lock()
		var removed []string
		for item := range d.items {
			match := item == name
			if !v.fdo {
				match = strings.HasPrefix(item, name)
			}
			if match {
				removed = append(removed, item)
				delete(d.items, item)
			}
		}
		items := d.sortedItems()
		d.mu.Unlock()

		for _, item := range removed {
			w.conn.SendSignal(WatcherPath, v.interfce, signalItemUnregistered, item)
		}
		if len(removed) > 0 {
			w.obj.SetProperty(v.interfce, "RegisteredStatusNotifierItems", items)
		}

		d.mu.Lock()
		_, hadHost := d.hosts[name]
		delete(d.hosts, name)
		emptied := hadHost && len(d.hosts) == 0
		d.mu.Unlock()
		if emptied {
			w.obj.SetProperty(v.interfce, "IsStatusNotifierHostRegistered", false)
		}
	}
}

func variantName(v variant) string {
	if v.fdo {
		return "freedesktop"
	}
	return "kde"
}

// items snapshots the currently registered identifiers for the variant
// selected by fdo, in sorted order.
func (w *Watcher) items(fdo bool) []string {
	d := w.data[fdo]
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedItems()
}
