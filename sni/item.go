package sni

import (
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wl-tray-bridge/wl-tray-bridge/mbc"
)

// SniItemID is a locally assigned, monotone identifier for a tracked
// remote item.
type SniItemID uint64

// ItemStatus is an item's lifecycle state. Removed is terminal: no
// callback fires on an item after it reaches Removed.
type ItemStatus int

const (
	ItemStatusNew ItemStatus = iota
	ItemStatusAnnounced
	ItemStatusRemoved
)

// MutableProperty names one of the six property groups that receive
// change notifications at runtime, as opposed to the fields captured
// once at announcement.
type MutableProperty int

const (
	PropertyTitle MutableProperty = iota
	PropertyIcon
	PropertyAttentionIcon
	PropertyOverlayIcon
	PropertyToolTip
	PropertyStatus
)

func (p MutableProperty) String() string {
	switch p {
	case PropertyTitle:
		return "Title"
	case PropertyIcon:
		return "Icon"
	case PropertyAttentionIcon:
		return "AttentionIcon"
	case PropertyOverlayIcon:
		return "OverlayIcon"
	case PropertyToolTip:
		return "ToolTip"
	case PropertyStatus:
		return "Status"
	default:
		return "Unknown"
	}
}

// IconFrame is one decoded IconPixmap entry.
type IconFrame struct {
	Width  int32
	Height int32
	Bytes  []byte
}

// Tooltip mirrors the ToolTip property's structured value.
type Tooltip struct {
	IconName    string
	IconPixmap  []IconFrame
	Title       string
	Description string
}

// ItemProperties is the snapshot of a tracked item's attributes.
// Pointer/slice-typed fields are nil when the remote item never set or
// never successfully returned the corresponding property.
type ItemProperties struct {
	Category           string
	ID                 string
	Title              *string
	Status             *string
	IconName           *string
	IconThemePath      *string
	IconPixmap         []IconFrame
	AttentionIconName  *string
	AttentionMovieName *string
	AttentionIconPixmap []IconFrame
	OverlayIconName    *string
	OverlayIconPixmap  []IconFrame
	ToolTip            *Tooltip
	IsMenu             bool
}

// Owner receives lifecycle and change notifications for one tracked
// item. The bridge glue external collaborator installs an Owner on each
// item it is handed through the host's new-item callback.
type Owner interface {
	Removed()
	PropertyChanged(MutableProperty)
	MenuChanged(MenuDelta)
}

// Item is a tracked remote StatusNotifierItem.
type Item struct {
	id     SniItemID
	v      variant
	dest   string
	path   dbus.ObjectPath
	host   *Host
	log    *slog.Logger

	mu      sync.Mutex
	props   ItemProperties
	status  ItemStatus
	owner   Owner
	menu    *Menu
	handles []*mbc.SignalHandlerHandle
}

// ID returns this item's locally assigned identifier.
func (it *Item) ID() SniItemID { return it.id }

// SetOwner installs the owner that receives this item's future
// notifications. Typically called from inside the host's new-item
// callback, before that callback returns.
func (it *Item) SetOwner(o Owner) {
	it.mu.Lock()
	it.owner = o
	it.mu.Unlock()
}

// Properties returns a snapshot of the item's current property set.
func (it *Item) Properties() ItemProperties {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.props
}

func itemIface(v variant) string {
	if v.fdo {
		return "org.freedesktop.StatusNotifierItem"
	}
	return "org.kde.StatusNotifierItem"
}

// Activate issues the Activate(x,y) method call against the item. cb, if
// non-nil, is invoked with the call's eventual error.
func (it *Item) Activate(x, y int32, cb func(error)) {
	it.invoke("Activate", []interface{}{x, y}, cb)
}

// SecondaryActivate issues SecondaryActivate(x,y).
func (it *Item) SecondaryActivate(x, y int32, cb func(error)) {
	it.invoke("SecondaryActivate", []interface{}{x, y}, cb)
}

// Scroll issues Scroll(delta, orientation).
func (it *Item) Scroll(delta int32, orientation string, cb func(error)) {
	it.invoke("Scroll", []interface{}{delta, orientation}, cb)
}

func (it *Item) invoke(member string, args []interface{}, cb func(error)) {
	it.host.conn.CallAsync(it.dest, it.path, itemIface(it.v), member, args, func(_ *dbus.Message, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

// MenuHovered sends a "hovered" Event for menuID on this item's menu.
func (it *Item) MenuHovered(menuID int32) {
	it.menuEvent(menuID, "hovered")
}

// MenuClicked sends a "clicked" Event for menuID on this item's menu.
func (it *Item) MenuClicked(menuID int32) {
	it.menuEvent(menuID, "clicked")
}

func (it *Item) menuEvent(menuID int32, event string) {
	it.mu.Lock()
	m := it.menu
	it.mu.Unlock()
	if m == nil {
		return
	}
	m.sendEvent(menuID, event)
}

// OpenMenu issues AboutToShow(menuID) against the remote menu. If it
// returns true, the reconciler refreshes the layout for menuID before cb
// fires; otherwise cb fires immediately (on error or false).
func (it *Item) OpenMenu(menuID int32, cb func()) *mbc.CallHandle {
	it.mu.Lock()
	m := it.menu
	it.mu.Unlock()
	if m == nil {
		if cb != nil {
			cb()
		}
		return nil
	}
	return m.aboutToShow(menuID, cb)
}

func (it *Item) notifyPropertyChanged(p MutableProperty) {
	it.mu.Lock()
	o := it.owner
	status := it.status
	it.mu.Unlock()
	if status == ItemStatusRemoved || o == nil {
		return
	}
	o.PropertyChanged(p)
}

func (it *Item) notifyMenuChanged(d MenuDelta) {
	it.mu.Lock()
	o := it.owner
	status := it.status
	it.mu.Unlock()
	if status == ItemStatusRemoved || o == nil {
		return
	}
	o.MenuChanged(d)
}

func (it *Item) clearHandles() {
	it.mu.Lock()
	handles := it.handles
	it.handles = nil
	it.mu.Unlock()
	for _, h := range handles {
		h.Remove()
	}
}
