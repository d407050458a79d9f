package sni

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wl-tray-bridge/wl-tray-bridge/mbc"
)

// NewItemFunc is invoked once an item has been announced (its initial
// property fetch and, if applicable, menu session are complete). The
// callback is expected to call item.SetOwner before returning.
type NewItemFunc func(item *Item)

// Host registers this process's well-known StatusNotifierHost names,
// discovers items through both watcher variants, and tracks each
// discovered item's properties and menu.
type Host struct {
	log      *slog.Logger
	conn     *mbc.Connection
	fdoName  string
	kdeName  string
	onNewItem NewItemFunc
	active   []variant

	mu      sync.Mutex
	items   map[string]*Item // keyed by the identifier the watcher reported
	nextID  SniItemID
}

// NewHost generates a per-process nonce, claims the active variants'
// host well-known names, subscribes to their registration signals and
// the global NameOwnerChanged signal, then bootstraps against any
// watcher already present on the bus. includeKDE controls whether the
// KDE variant is tracked at all.
func NewHost(log *slog.Logger, conn *mbc.Connection, includeKDE bool, onNewItem NewItemFunc) *Host {
	var idBytes [8]byte
	id := uuid.New()
	copy(idBytes[:], id[:8])
	nonce := binary.BigEndian.Uint64(idBytes[:])

	h := &Host{
		log:       log,
		conn:      conn,
		fdoName:   fmt.Sprintf("org.freedesktop.StatusNotifierHost-%016x", nonce),
		kdeName:   fmt.Sprintf("org.kde.StatusNotifierHost-%016x", nonce),
		onNewItem: onNewItem,
		items:     make(map[string]*Item),
	}

	active := activeVariants(includeKDE)
	h.active = active

	for _, v := range active {
		v := v
		conn.HandleSignal(mbc.MatchRule{Interface: v.interfce, Member: signalItemRegistered}, func(sig *dbus.Signal) {
			if len(sig.Body) != 1 {
				return
			}
			id, _ := sig.Body[0].(string)
			h.handleNewItem(v, id)
		})
		conn.HandleSignal(mbc.MatchRule{Interface: v.interfce, Member: signalItemUnregistered}, func(sig *dbus.Signal) {
			if len(sig.Body) != 1 {
				return
			}
			id, _ := sig.Body[0].(string)
			h.handleRemovedItem(id)
		})
	}

	conn.HandleSignal(mbc.MatchRule{Interface: "org.freedesktop.DBus", Member: "NameOwnerChanged"}, func(sig *dbus.Signal) {
		if len(sig.Body) != 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		h.handleWatcherNameOwnerChanged(name, newOwner)
	})

	conn.RequestName(h.fdoName)
	if includeKDE {
		conn.RequestName(h.kdeName)
	}

	for _, v := range active {
		v := v
		go h.bootstrapVariant(v)
	}

	return h
}

func (h *Host) hostName(v variant) string {
	if v.fdo {
		return h.fdoName
	}
	return h.kdeName
}

// handleWatcherNameOwnerChanged reacts to a watcher well-known name
// reappearing by re-registering this host and reseeding its item set.
// As in the original source, this bootstrap fires on any non-empty
// new-owner for the watcher's own name, not only a genuine first
// appearance; this over-broad condition is intentionally preserved.
func (h *Host) handleWatcherNameOwnerChanged(name, newOwner string) {
	if newOwner == "" {
		return
	}
	for _, v := range h.active {
		if name == v.name {
			go h.bootstrapVariant(v)
		}
	}
}

func (h *Host) bootstrapVariant(v variant) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h.conn.CallNoReply(v.name, WatcherPath, v.interfce, memberRegisterHost, []interface{}{h.hostName(v)})

	value, err := h.conn.GetProperty(ctx, v.name, WatcherPath, v.interfce, "RegisteredStatusNotifierItems")
	if err != nil {
		h.log.Debug("failed to read registered items from watcher", "variant", variantName(v), "err", err)
		return
	}
	ids, ok := value.Value().([]string)
	if !ok {
		return
	}
	for _, id := range ids {
		h.handleNewItem(v, id)
	}
}

// handleNewItem implements the item registration flow: dedup, split,
// validate, assign an id, subscribe to the six change signals, fetch
// every property concurrently, resolve the menu, and announce.
func (h *Host) handleNewItem(v variant, id string) {
	dest, path, ok := splitItemID(id)
	if !ok {
		h.log.Debug("dropping item with invalid identifier", "id", id)
		return
	}

	h.mu.Lock()
	if _, exists := h.items[id]; exists {
		h.mu.Unlock()
		return
	}
	h.nextID++
	item := &Item{id: h.nextID, v: v, dest: dest, path: path, host: h, log: h.log, status: ItemStatusNew}
	h.items[id] = item
	h.mu.Unlock()

	iface := itemIface(v)
	for sig, prop := range changeSignalProperties {
		sig, prop := sig, prop
		handle := h.conn.HandleSignal(mbc.MatchRule{Interface: iface, Member: sig, Sender: dest, Path: path}, func(*dbus.Signal) {
			h.refetchAndNotify(item, prop)
		})
		item.mu.Lock()
		item.handles = append(item.handles, handle)
		item.mu.Unlock()
	}

	go h.announceItem(item, iface)
}

// changeSignalProperties maps each per-item change signal to the
// MutableProperty notification it produces once its associated
// properties have been re-fetched.
var changeSignalProperties = map[string]MutableProperty{
	"NewTitle":         PropertyTitle,
	"NewIcon":          PropertyIcon,
	"NewAttentionIcon": PropertyAttentionIcon,
	"NewOverlayIcon":   PropertyOverlayIcon,
	"NewToolTip":       PropertyToolTip,
	"NewStatus":        PropertyStatus,
}

func (h *Host) refetchAndNotify(item *Item, p MutableProperty) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iface := itemIface(item.v)
	switch p {
	case PropertyTitle:
		item.mu.Lock()
		item.props.Title = h.getOptString(ctx, item.dest, item.path, iface, "Title")
		item.mu.Unlock()
	case PropertyIcon:
		name := h.getOptString(ctx, item.dest, item.path, iface, "IconName")
		pixmap := h.getIconPixmap(ctx, item.dest, item.path, iface, "IconPixmap", string(item.dest)+string(item.path))
		item.mu.Lock()
		item.props.IconName = name
		item.props.IconPixmap = pixmap
		item.mu.Unlock()
	case PropertyAttentionIcon:
		name := h.getOptString(ctx, item.dest, item.path, iface, "AttentionIconName")
		pixmap := h.getIconPixmap(ctx, item.dest, item.path, iface, "AttentionIconPixmap", string(item.dest)+string(item.path))
		item.mu.Lock()
		item.props.AttentionIconName = name
		item.props.AttentionIconPixmap = pixmap
		item.mu.Unlock()
	case PropertyOverlayIcon:
		name := h.getOptString(ctx, item.dest, item.path, iface, "OverlayIconName")
		pixmap := h.getIconPixmap(ctx, item.dest, item.path, iface, "OverlayIconPixmap", string(item.dest)+string(item.path))
		item.mu.Lock()
		item.props.OverlayIconName = name
		item.props.OverlayIconPixmap = pixmap
		item.mu.Unlock()
	case PropertyToolTip:
		tt := h.getToolTip(ctx, item.dest, item.path, iface)
		item.mu.Lock()
		item.props.ToolTip = tt
		item.mu.Unlock()
	case PropertyStatus:
		item.mu.Lock()
		item.props.Status = h.getOptString(ctx, item.dest, item.path, iface, "Status")
		item.mu.Unlock()
	}
	item.notifyPropertyChanged(p)
}

// announceItem runs the initial, fully concurrent property fetch, opens
// the menu session if applicable, and announces the item exactly once.
func (h *Host) announceItem(item *Item, iface string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var (
		category, menuPath string
		isMenu             bool
	)

	g.Go(func() error { item.props.Category = h.getString(gctx, item.dest, item.path, iface, "Category", ""); return nil })
	g.Go(func() error { item.props.ID = h.getString(gctx, item.dest, item.path, iface, "Id", ""); return nil })
	g.Go(func() error { item.props.Title = h.getOptString(gctx, item.dest, item.path, iface, "Title"); return nil })
	g.Go(func() error { item.props.Status = h.getOptString(gctx, item.dest, item.path, iface, "Status"); return nil })
	g.Go(func() error { item.props.IconName = h.getOptString(gctx, item.dest, item.path, iface, "IconName"); return nil })
	g.Go(func() error {
		item.props.IconThemePath = h.getOptString(gctx, item.dest, item.path, iface, "IconThemePath")
		return nil
	})
	g.Go(func() error {
		item.props.IconPixmap = h.getIconPixmap(gctx, item.dest, item.path, iface, "IconPixmap", string(item.dest)+string(item.path))
		return nil
	})
	g.Go(func() error {
		item.props.AttentionIconName = h.getOptString(gctx, item.dest, item.path, iface, "AttentionIconName")
		return nil
	})
	g.Go(func() error {
		item.props.AttentionMovieName = h.getOptString(gctx, item.dest, item.path, iface, "AttentionMovieName")
		return nil
	})
	g.Go(func() error {
		item.props.AttentionIconPixmap = h.getIconPixmap(gctx, item.dest, item.path, iface, "AttentionIconPixmap", string(item.dest)+string(item.path))
		return nil
	})
	g.Go(func() error {
		item.props.OverlayIconName = h.getOptString(gctx, item.dest, item.path, iface, "OverlayIconName")
		return nil
	})
	g.Go(func() error {
		item.props.OverlayIconPixmap = h.getIconPixmap(gctx, item.dest, item.path, iface, "OverlayIconPixmap", string(item.dest)+string(item.path))
		return nil
	})
	g.Go(func() error { item.props.ToolTip = h.getToolTip(gctx, item.dest, item.path, iface); return nil })
	g.Go(func() error {
		p := h.getOptString(gctx, item.dest, item.path, iface, "Menu")
		if p != nil {
			menuPath = *p
		}
		return nil
	})
	g.Go(func() error { isMenu = h.getBool(gctx, item.dest, item.path, iface, "ItemIsMenu"); return nil })
	_ = g.Wait() // individual Get failures already logged and swallowed per field

	item.mu.Lock()
	item.props.IsMenu = isMenu
	item.mu.Unlock()

	var menu *Menu
	var initialDelta MenuDelta
	var haveInitialDelta bool
	if menuPath != "" && dbus.ObjectPath(menuPath).IsValid() {
		var err error
		menu, initialDelta, err = openMenu(ctx, h.log, h.conn, item.dest, dbus.ObjectPath(menuPath), item.notifyMenuChanged)
		if err != nil {
			h.log.Warn("initial menu layout fetch failed; item announced without a menu", "item", item.id, "err", err)
			menu = nil
		} else {
			haveInitialDelta = true
		}
	}

	item.mu.Lock()
	wasNew := item.status == ItemStatusNew
	if wasNew {
		item.status = ItemStatusAnnounced
		item.menu = menu
	}
	item.mu.Unlock()

	if !wasNew {
		return
	}
	if h.onNewItem != nil {
		h.onNewItem(item)
	}
	if haveInitialDelta {
		item.notifyMenuChanged(initialDelta)
	}
}

func (h *Host) handleRemovedItem(id string) {
	h.mu.Lock()
	item, ok := h.items[id]
	if ok {
		delete(h.items, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	item.mu.Lock()
	item.status = ItemStatusRemoved
	owner := item.owner
	item.owner = nil
	item.mu.Unlock()

	item.clearHandles()
	if owner != nil {
		owner.Removed()
	}
}

// splitItemID resolves a watcher-reported identifier into a destination
// bus name and object path: split at the first "/" if present, else
// default the path to /StatusNotifierItem.
func splitItemID(id string) (string, dbus.ObjectPath, bool) {
	dest := id
	path := "/StatusNotifierItem"
	if idx := strings.IndexByte(id, '/'); idx >= 0 {
		dest = id[:idx]
		path = id[idx:]
	}
	if !dbus.ObjectPath(path).IsValid() {
		return "", "", false
	}
	if dest == "" {
		return "", "", false
	}
	return dest, dbus.ObjectPath(path), true
}

func (h *Host) getString(ctx context.Context, dest string, path dbus.ObjectPath, iface, member, def string) string {
	v, err := h.conn.GetProperty(ctx, dest, path, iface, member)
	if err != nil {
		h.log.Debug("property fetch failed", "property", member, "dest", dest, "err", err)
		return def
	}
	s, ok := v.Value().(string)
	if !ok {
		return def
	}
	return s
}

func (h *Host) getOptString(ctx context.Context, dest string, path dbus.ObjectPath, iface, member string) *string {
	v, err := h.conn.GetProperty(ctx, dest, path, iface, member)
	if err != nil {
		h.log.Debug("property fetch failed", "property", member, "dest", dest, "err", err)
		return nil
	}
	s, ok := v.Value().(string)
	if !ok {
		return nil
	}
	return &s
}

func (h *Host) getBool(ctx context.Context, dest string, path dbus.ObjectPath, iface, member string) bool {
	v, err := h.conn.GetProperty(ctx, dest, path, iface, member)
	if err != nil {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func (h *Host) getIconPixmap(ctx context.Context, dest string, path dbus.ObjectPath, iface, member, item string) []IconFrame {
	v, err := h.conn.GetProperty(ctx, dest, path, iface, member)
	if err != nil {
		h.log.Debug("property fetch failed", "property", member, "dest", dest, "err", err)
		return nil
	}
	return decodeIconPixmap(v, h.log, item)
}

func (h *Host) getToolTip(ctx context.Context, dest string, path dbus.ObjectPath, iface string) *Tooltip {
	v, err := h.conn.GetProperty(ctx, dest, path, iface, "ToolTip")
	if err != nil {
		h.log.Debug("property fetch failed", "property", "ToolTip", "dest", dest, "err", err)
		return nil
	}
	raw, ok := v.Value().([]interface{})
	if !ok || len(raw) != 4 {
		return nil
	}
	iconName, _ := raw[0].(string)
	pixmapFrames := decodeIconPixmap(dbus.MakeVariant(raw[1]), h.log, string(dest))
	title, _ := raw[2].(string)
	description, _ := raw[3].(string)
	return &Tooltip{IconName: iconName, IconPixmap: pixmapFrames, Title: title, Description: description}
}
