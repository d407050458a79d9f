package sni

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wl-tray-bridge/wl-tray-bridge/mbc"
)

const menuInterface = "com.canonical.dbusmenu"

// MenuTree is a mirror of one node of the remote menu tree. Menu-ids are
// unique within a session; a duplicate id appearing twice in a single
// remote response is ignored on its second occurrence. Children preserve
// remote order.
type MenuTree struct {
	ID         int32
	Properties MenuProperties
	ChildOrder []int32
	Children   map[int32]*MenuTree
}

func newMenuTree(n rawNode) *MenuTree {
	t := &MenuTree{ID: n.id, Properties: decodeMenuProperties(n.properties), Children: make(map[int32]*MenuTree)}
	seen := make(map[int32]bool)
	for _, c := range n.children {
		if seen[c.id] {
			continue
		}
		seen[c.id] = true
		t.Children[c.id] = newMenuTree(c)
		t.ChildOrder = append(t.ChildOrder, c.id)
	}
	return t
}

// find locates the node with the given id anywhere in the tree rooted at
// t, by depth-first search.
func (t *MenuTree) find(id int32) *MenuTree {
	if t.ID == id {
		return t
	}
	for _, cid := range t.ChildOrder {
		if found := t.Children[cid].find(id); found != nil {
			return found
		}
	}
	return nil
}

// ChildDelta describes one changed or new child slot in a MenuDelta's
// children. New children carry their full subtree; changed children
// carry a nested MenuDelta.
type ChildDelta struct {
	New        bool
	NewSubtree *MenuTree
	Delta      *MenuDelta
}

// MenuPropertiesDelta carries only the fields that changed, by name, to
// their new decoded value.
type MenuPropertiesDelta struct {
	Fields map[string]interface{}
}

// MenuDelta is the recursive diff emitted after a reconciliation step.
// ChildOrder is the complete post-merge ordering of this node's
// children (including unchanged ones); Children and Removed are sparse,
// naming only what actually changed.
type MenuDelta struct {
	ID         int32
	Properties *MenuPropertiesDelta
	ChildOrder []int32
	Children   map[int32]*ChildDelta
	Removed    []int32
}

func (d *MenuDelta) empty() bool {
	return d.Properties == nil && len(d.Children) == 0 && len(d.Removed) == 0
}

// mergeInto replaces t's subtree with the content of n, recording a
// recursive diff. It returns nil if nothing changed.
func (t *MenuTree) mergeInto(n rawNode) *MenuDelta {
	newProps := decodeMenuProperties(n.properties)
	delta := &MenuDelta{ID: t.ID, Children: make(map[int32]*ChildDelta)}
	if propsDelta := diffProperties(t.Properties, newProps); propsDelta != nil {
		delta.Properties = propsDelta
	}
	t.Properties = newProps

	seenNew := make(map[int32]bool)
	var order []int32
	for _, c := range n.children {
		if seenNew[c.id] {
			continue
		}
		seenNew[c.id] = true
		order = append(order, c.id)

		if existing, ok := t.Children[c.id]; ok {
			if childDelta := existing.mergeInto(c); childDelta != nil {
				delta.Children[c.id] = &ChildDelta{Delta: childDelta}
			}
			continue
		}
		subtree := newMenuTree(c)
		t.Children[c.id] = subtree
		delta.Children[c.id] = &ChildDelta{New: true, NewSubtree: subtree}
	}

	for _, oldID := range t.ChildOrder {
		if !seenNew[oldID] {
			delete(t.Children, oldID)
			delta.Removed = append(delta.Removed, oldID)
		}
	}
	t.ChildOrder = order
	delta.ChildOrder = order

	if delta.empty() {
		return nil
	}
	return delta
}

// diffProperties compares old and new field by field, returning nil if
// nothing differs.
func diffProperties(old, new MenuProperties) *MenuPropertiesDelta {
	fields := map[string]interface{}{}
	if old.Separator != new.Separator {
		fields["separator"] = new.Separator
	}
	if old.Label != new.Label || old.HasAccessKey != new.HasAccessKey || old.AccessKey != new.AccessKey {
		fields["label"] = new.Label
		if new.HasAccessKey {
			fields["access-key"] = new.AccessKey
		}
	}
	if old.Enabled != new.Enabled {
		fields["enabled"] = new.Enabled
	}
	if old.Visible != new.Visible {
		fields["visible"] = new.Visible
	}
	if old.IconName != new.IconName {
		fields["icon-name"] = new.IconName
	}
	if string(old.IconData) != string(new.IconData) {
		fields["icon-data"] = new.IconData
	}
	if old.ToggleType != new.ToggleType {
		fields["toggle-type"] = new.ToggleType
	}
	if old.ToggleState != new.ToggleState {
		fields["toggle-state"] = new.ToggleState
	}
	if old.ChildrenDisplay != new.ChildrenDisplay {
		fields["children-display"] = new.ChildrenDisplay
	}
	if len(fields) == 0 {
		return nil
	}
	return &MenuPropertiesDelta{Fields: fields}
}

// applyPropertyDiff merges an ItemsPropertiesUpdated entry's changed map
// and removed-field list into t's properties in place, returning the
// resulting delta or nil if nothing changed. Fields absent from both the
// changed map and the removed list keep their current value even if the
// type's default would differ, per the original source's behavior.
func (t *MenuTree) applyPropertyDiff(changed map[string]dbus.Variant, removed []string) *MenuDelta {
	merged := make(map[string]dbus.Variant)
	def := defaultMenuProperties()
	for k, v := range changed {
		merged[k] = v
	}
	for _, k := range removed {
		merged[k] = defaultVariantFor(k, def)
	}
	if len(merged) == 0 {
		return nil
	}

	// Re-decode starting from the current properties so fields touched
	// by neither list are preserved untouched.
	current := encodeMenuProperties(t.Properties)
	for k, v := range merged {
		current[k] = v
	}
	newProps := decodeMenuProperties(current)
	delta := diffProperties(t.Properties, newProps)
	t.Properties = newProps
	if delta == nil {
		return nil
	}
	return &MenuDelta{ID: t.ID, Properties: delta, ChildOrder: t.ChildOrder}
}

// encodeMenuProperties round-trips the decoded form back into a raw
// property map so applyPropertyDiff can overlay a partial diff onto it
// and re-decode, without needing a second bespoke merge implementation.
func encodeMenuProperties(p MenuProperties) map[string]dbus.Variant {
	out := map[string]dbus.Variant{
		"enabled":          dbus.MakeVariant(p.Enabled),
		"visible":          dbus.MakeVariant(p.Visible),
		"icon-name":        dbus.MakeVariant(p.IconName),
		"icon-data":        dbus.MakeVariant(p.IconData),
		"toggle-state":     dbus.MakeVariant(map[bool]int32{true: 1, false: 0}[p.ToggleState]),
		"children-display": dbus.MakeVariant(map[bool]string{true: "submenu", false: ""}[p.ChildrenDisplay]),
	}
	if p.Separator {
		out["type"] = dbus.MakeVariant("separator")
	}
	switch p.ToggleType {
	case ToggleCheckmark:
		out["toggle-type"] = dbus.MakeVariant("checkmark")
	case ToggleRadio:
		out["toggle-type"] = dbus.MakeVariant("radio")
	}
	// Re-apply the mnemonic encoding so decodeMnemonic yields the same
	// label text and access key again.
	var label []rune
	placed := false
	for _, r := range p.Label {
		switch {
		case r == '_':
			label = append(label, '_', '_')
		case p.HasAccessKey && !placed && r == p.AccessKey:
			label = append(label, '_', r)
			placed = true
		default:
			label = append(label, r)
		}
	}
	out["label"] = dbus.MakeVariant(string(label))
	return out
}

func defaultVariantFor(key string, def MenuProperties) dbus.Variant {
	switch key {
	case "type":
		return dbus.MakeVariant("")
	case "enabled":
		return dbus.MakeVariant(def.Enabled)
	case "visible":
		return dbus.MakeVariant(def.Visible)
	case "icon-name":
		return dbus.MakeVariant(def.IconName)
	case "icon-data":
		return dbus.MakeVariant(def.IconData)
	case "toggle-type":
		return dbus.MakeVariant("")
	case "toggle-state":
		return dbus.MakeVariant(int32(0))
	case "children-display":
		return dbus.MakeVariant("")
	case "label":
		return dbus.MakeVariant(def.Label)
	default:
		return dbus.MakeVariant("")
	}
}

// Menu is one open dbusmenu session against a single item.
type Menu struct {
	log  *slog.Logger
	conn *mbc.Connection
	dest string
	path dbus.ObjectPath

	onDelta func(MenuDelta)

	mu         sync.Mutex
	revision   uint32
	tree       *MenuTree
	nextQuery  int32
	inflight   map[int32]bool
	sigHandles []*mbc.SignalHandlerHandle
}

// openMenu issues the initial GetLayout(0, -1, []) and subscribes to
// LayoutUpdated and ItemsPropertiesUpdated. The returned MenuDelta is
// the full initial tree, to be delivered once the item is announced.
func openMenu(ctx context.Context, log *slog.Logger, conn *mbc.Connection, dest string, path dbus.ObjectPath, onDelta func(MenuDelta)) (*Menu, MenuDelta, error) {
	msg, err := conn.Call(ctx, dest, path, menuInterface, "GetLayout", []interface{}{int32(0), int32(-1), []string{}})
	if err != nil {
		return nil, MenuDelta{}, err
	}
	if len(msg.Body) != 2 {
		return nil, MenuDelta{}, mbc.ErrDeserialize
	}
	revision, ok := msg.Body[0].(uint32)
	if !ok {
		return nil, MenuDelta{}, mbc.ErrDeserialize
	}
	variant, ok := msg.Body[1].(dbus.Variant)
	if !ok {
		return nil, MenuDelta{}, mbc.ErrDeserialize
	}
	root, ok := parseLayoutValue(variant)
	if !ok {
		return nil, MenuDelta{}, mbc.ErrDeserialize
	}

	tree := newMenuTree(root)
	m := &Menu{log: log, conn: conn, dest: dest, path: path, onDelta: onDelta, revision: revision, tree: tree, inflight: make(map[int32]bool)}

	m.sigHandles = append(m.sigHandles, conn.HandleSignal(mbc.MatchRule{Interface: menuInterface, Member: "LayoutUpdated", Sender: dest, Path: path}, m.handleLayoutUpdated))
	m.sigHandles = append(m.sigHandles, conn.HandleSignal(mbc.MatchRule{Interface: menuInterface, Member: "ItemsPropertiesUpdated", Sender: dest, Path: path}, m.handleItemsPropertiesUpdated))

	return m, fullDelta(tree), nil
}

// Close removes this session's signal subscriptions.
func (m *Menu) Close() {
	m.mu.Lock()
	handles := m.sigHandles
	m.sigHandles = nil
	m.mu.Unlock()
	for _, h := range handles {
		h.Remove()
	}
}

// fullDelta builds a MenuDelta representing a brand-new subtree, used
// for the initial session open. Later refreshes, forced ones included,
// go through mergeInto instead.
func fullDelta(t *MenuTree) MenuDelta {
	children := make(map[int32]*ChildDelta, len(t.ChildOrder))
	for _, id := range t.ChildOrder {
		children[id] = &ChildDelta{New: true, NewSubtree: t.Children[id]}
	}
	fields := map[string]interface{}{
		"separator":        t.Properties.Separator,
		"label":            t.Properties.Label,
		"enabled":          t.Properties.Enabled,
		"visible":          t.Properties.Visible,
		"icon-name":        t.Properties.IconName,
		"icon-data":        t.Properties.IconData,
		"toggle-type":      t.Properties.ToggleType,
		"toggle-state":     t.Properties.ToggleState,
		"children-display": t.Properties.ChildrenDisplay,
	}
	return MenuDelta{ID: t.ID, Properties: &MenuPropertiesDelta{Fields: fields}, ChildOrder: t.ChildOrder, Children: children}
}

func (m *Menu) handleLayoutUpdated(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	revision, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	parentID, ok := sig.Body[1].(int32)
	if !ok {
		return
	}

	m.mu.Lock()
	if revision <= m.revision {
		m.mu.Unlock()
		return
	}
	m.revision = revision
	queryID := m.nextQuery
	m.nextQuery++
	m.inflight[queryID] = true
	m.mu.Unlock()

	go m.refresh(parentID, queryID)
}

func (m *Menu) refresh(parentID, queryID int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := m.conn.Call(ctx, m.dest, m.path, menuInterface, "GetLayout", []interface{}{parentID, int32(-1), []string{}})

	m.mu.Lock()
	delete(m.inflight, queryID)
	m.mu.Unlock()

	if err != nil {
		m.log.Debug("menu layout refresh failed", "dest", m.dest, "path", m.path, "err", err)
		return
	}
	if len(msg.Body) != 2 {
		return
	}
	variant, ok := msg.Body[1].(dbus.Variant)
	if !ok {
		return
	}
	root, ok := parseLayoutValue(variant)
	if !ok {
		return
	}

	m.mu.Lock()
	target := m.tree.find(parentID)
	var delta *MenuDelta
	if target != nil {
		delta = target.mergeInto(root)
	}
	m.mu.Unlock()

	if delta != nil && m.onDelta != nil {
		m.onDelta(*delta)
	}
}

type changedEntry struct {
	id         int32
	properties map[string]dbus.Variant
}

type removedEntry struct {
	id     int32
	fields []string
}

// decodeChangedEntries decodes the a(ia{sv}) changed-entries array. Each
// struct element decodes to its own []interface{}, so the outer array
// decodes to [][]interface{}, not []interface{}.
func decodeChangedEntries(v interface{}) []changedEntry {
	items, ok := v.([][]interface{})
	if !ok {
		return nil
	}
	out := make([]changedEntry, 0, len(items))
	for _, fields := range items {
		if len(fields) != 2 {
			continue
		}
		id, ok := fields[0].(int32)
		if !ok {
			continue
		}
		props, ok := fields[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		out = append(out, changedEntry{id: id, properties: props})
	}
	return out
}

// decodeRemovedEntries decodes the a(ias) removed-fields array. Each
// struct element decodes to its own []interface{}, so the outer array
// decodes to [][]interface{}, not []interface{}.
func decodeRemovedEntries(v interface{}) []removedEntry {
	items, ok := v.([][]interface{})
	if !ok {
		return nil
	}
	out := make([]removedEntry, 0, len(items))
	for _, fields := range items {
		if len(fields) != 2 {
			continue
		}
		id, ok := fields[0].(int32)
		if !ok {
			continue
		}
		names, ok := fields[1].([]string)
		if !ok {
			continue
		}
		out = append(out, removedEntry{id: id, fields: names})
	}
	return out
}

func (m *Menu) handleItemsPropertiesUpdated(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	changed := decodeChangedEntries(sig.Body[0])
	removed := decodeRemovedEntries(sig.Body[1])

	m.mu.Lock()
	inflight := len(m.inflight) > 0
	m.mu.Unlock()

	if inflight {
		m.forceRefresh(0)
		return
	}

	for _, c := range changed {
		m.applyOne(c.id, c.properties, nil)
	}
	for _, r := range removed {
		m.applyOne(r.id, nil, r.fields)
	}
}

func (m *Menu) applyOne(id int32, changed map[string]dbus.Variant, removedFields []string) {
	m.mu.Lock()
	target := m.tree.find(id)
	var delta *MenuDelta
	if target != nil {
		delta = target.applyPropertyDiff(changed, removedFields)
	}
	m.mu.Unlock()
	if delta != nil && m.onDelta != nil {
		m.onDelta(*delta)
	}
}

// forceRefresh schedules a synthetic full refresh of parentID, used when
// an ItemsPropertiesUpdated diff arrives while a layout query is still
// inflight and is therefore ambiguous with respect to the pending reply.
func (m *Menu) forceRefresh(parentID int32) {
	m.mu.Lock()
	queryID := m.nextQuery
	m.nextQuery++
	m.inflight[queryID] = true
	m.mu.Unlock()
	go m.refresh(parentID, queryID)
}

// sendEvent issues Event(id, event, 0, now) against the remote menu,
// fire-and-forget.
func (m *Menu) sendEvent(id int32, event string) {
	timestamp := uint32(time.Now().Unix())
	m.conn.CallAsync(m.dest, m.path, menuInterface, "Event", []interface{}{id, event, dbus.MakeVariant(byte(0)), timestamp}, func(_ *dbus.Message, err error) {
		if err != nil {
			m.log.Debug("menu event failed", "id", id, "event", event, "err", err)
		}
	})
}

// aboutToShow issues AboutToShow(id). If it reports true, a layout
// refresh for id is performed and cb fires once the refresh completes;
// otherwise cb fires immediately.
func (m *Menu) aboutToShow(id int32, cb func()) *mbc.CallHandle {
	return m.conn.CallAsync(m.dest, m.path, menuInterface, "AboutToShow", []interface{}{id}, func(msg *dbus.Message, err error) {
		needsRefresh := false
		if err == nil && len(msg.Body) == 1 {
			needsRefresh, _ = msg.Body[0].(bool)
		}
		if !needsRefresh {
			if cb != nil {
				cb()
			}
			return
		}
		m.mu.Lock()
		queryID := m.nextQuery
		m.nextQuery++
		m.inflight[queryID] = true
		m.mu.Unlock()
		m.refresh(id, queryID)
		if cb != nil {
			cb()
		}
	})
}
