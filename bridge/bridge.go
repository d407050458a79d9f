// Package bridge is the thin glue between the core StatusNotifierItem
// tracking and an external renderer. It does not know how to draw
// anything; it only hands the renderer live item handles and forwards
// their lifecycle and change events.
package bridge

import (
	"log/slog"

	"github.com/wl-tray-bridge/wl-tray-bridge/mbc"
	"github.com/wl-tray-bridge/wl-tray-bridge/sni"
)

// Item is the subset of *sni.Item a renderer needs: property snapshots,
// method invocation, and menu interaction. Re-declared here as an
// interface so renderer code depends on this package, not on sni
// directly.
type Item interface {
	ID() sni.SniItemID
	Properties() sni.ItemProperties
	SetOwner(sni.Owner)
	Activate(x, y int32, cb func(error))
	SecondaryActivate(x, y int32, cb func(error))
	Scroll(delta int32, orientation string, cb func(error))
	MenuHovered(menuID int32)
	MenuClicked(menuID int32)
	OpenMenu(menuID int32, cb func()) *mbc.CallHandle
}

// EventSink is the owner a renderer installs on every item it is handed;
// it is sni.Owner under another name so renderer code never has to
// import sni just to implement the three sinks the core specification
// describes.
type EventSink = sni.Owner

// OnNewItem is invoked once per newly announced item. The renderer is
// expected to call item.SetOwner with an EventSink before returning.
type OnNewItem func(item Item)

// Bridge owns the watcher and host tracker that together implement the
// bus-facing half of the daemon.
type Bridge struct {
	conn    *mbc.Connection
	watcher *sni.Watcher
	host    *sni.Host
}

// Spawn exports the watcher, starts the host tracker, and wires every
// newly announced item to onNewItem. This is the daemon's only point of
// contact with the external renderer. includeKDE controls whether the
// org.kde.StatusNotifier{Watcher,Host} interfaces are exported and
// tracked alongside the freedesktop ones.
func Spawn(log *slog.Logger, conn *mbc.Connection, includeKDE bool, onNewItem OnNewItem) *Bridge {
	watcher := sni.NewWatcher(log, conn, includeKDE)
	host := sni.NewHost(log, conn, includeKDE, func(item *sni.Item) {
		onNewItem(item)
	})
	return &Bridge{conn: conn, watcher: watcher, host: host}
}

// Close kills the underlying bus connection, tearing down every
// exported object, signal subscription, and outstanding call.
func (b *Bridge) Close() {
	b.conn.Kill()
}
