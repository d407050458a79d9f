package sni

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func propsVariant(fields map[string]interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(fields))
	for k, v := range fields {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

func node(id int32, fields map[string]interface{}, children ...rawNode) rawNode {
	return rawNode{id: id, properties: propsVariant(fields), children: children}
}

func TestMenuTreeMergeIdempotent(t *testing.T) {
	root := node(0, map[string]interface{}{"label": "root"},
		node(1, map[string]interface{}{"label": "Save _As..."}),
		node(2, map[string]interface{}{"label": "Quit", "enabled": false}),
	)

	tree := newMenuTree(root)
	if len(tree.ChildOrder) != 2 {
		t.Fatalf("expected 2 children, got %d", len(tree.ChildOrder))
	}

	// Re-merging the identical layout must produce no delta at all.
	if delta := tree.mergeInto(root); delta != nil {
		t.Fatalf("expected nil delta on idempotent re-merge, got %+v", delta)
	}
}

func TestMenuTreeMergeDetectsPropertyChange(t *testing.T) {
	root := node(0, map[string]interface{}{"label": "root"},
		node(1, map[string]interface{}{"label": "Quit", "enabled": true}),
	)
	tree := newMenuTree(root)

	updated := node(0, map[string]interface{}{"label": "root"},
		node(1, map[string]interface{}{"label": "Quit", "enabled": false}),
	)
	delta := tree.mergeInto(updated)
	if delta == nil {
		t.Fatal("expected a delta when a child's enabled flag flips")
	}
	child, ok := delta.Children[1]
	if !ok || child.Delta == nil {
		t.Fatalf("expected a changed-child delta for id 1, got %+v", delta.Children)
	}
	if child.Delta.Properties == nil {
		t.Fatal("expected a properties delta on the changed child")
	}
	if v, ok := child.Delta.Properties.Fields["enabled"]; !ok || v != false {
		t.Fatalf("expected enabled=false in the diff, got %v", child.Delta.Properties.Fields)
	}
}

func TestMenuTreeMergeAddsAndRemovesChildren(t *testing.T) {
	root := node(0, nil,
		node(1, map[string]interface{}{"label": "One"}),
		node(2, map[string]interface{}{"label": "Two"}),
	)
	tree := newMenuTree(root)

	updated := node(0, nil,
		node(2, map[string]interface{}{"label": "Two"}),
		node(3, map[string]interface{}{"label": "Three"}),
	)
	delta := tree.mergeInto(updated)
	if delta == nil {
		t.Fatal("expected a delta when children are added and removed")
	}
	if len(delta.Removed) != 1 || delta.Removed[0] != 1 {
		t.Fatalf("expected id 1 to be reported removed, got %v", delta.Removed)
	}
	child, ok := delta.Children[3]
	if !ok || !child.New || child.NewSubtree == nil {
		t.Fatalf("expected a new-child entry for id 3, got %+v", delta.Children)
	}
	if len(delta.ChildOrder) != 2 || delta.ChildOrder[0] != 2 || delta.ChildOrder[1] != 3 {
		t.Fatalf("expected post-merge order [2 3], got %v", delta.ChildOrder)
	}
	if _, stillThere := tree.Children[1]; stillThere {
		t.Fatal("id 1 should have been removed from the live tree")
	}
}

func TestMenuTreeDuplicateChildIDIgnoresSecondOccurrence(t *testing.T) {
	root := node(0, nil,
		node(1, map[string]interface{}{"label": "First"}),
		node(1, map[string]interface{}{"label": "Duplicate"}),
	)
	tree := newMenuTree(root)
	if len(tree.ChildOrder) != 1 {
		t.Fatalf("expected duplicate child id to be collapsed to one entry, got %d", len(tree.ChildOrder))
	}
	if tree.Children[1].Properties.Label != "First" {
		t.Fatalf("expected the first occurrence to win, got label %q", tree.Children[1].Properties.Label)
	}
}

func TestApplyPropertyDiffPreservesUntouchedFields(t *testing.T) {
	tree := newMenuTree(node(1, map[string]interface{}{"label": "Quit", "enabled": true, "visible": true}))

	delta := tree.applyPropertyDiff(propsVariant(map[string]interface{}{"enabled": false}), nil)
	if delta == nil || delta.Properties == nil {
		t.Fatal("expected a properties delta")
	}
	if tree.Properties.Label != "Quit" {
		t.Fatalf("label should be untouched, got %q", tree.Properties.Label)
	}
	if tree.Properties.Visible != true {
		t.Fatal("visible should be untouched")
	}
	if tree.Properties.Enabled != false {
		t.Fatal("enabled should have been applied")
	}
}

func TestApplyPropertyDiffRemovedFieldResetsToDefault(t *testing.T) {
	tree := newMenuTree(node(1, map[string]interface{}{"enabled": false}))
	if tree.Properties.Enabled != false {
		t.Fatal("setup: expected enabled=false")
	}

	delta := tree.applyPropertyDiff(nil, []string{"enabled"})
	if delta == nil {
		t.Fatal("expected a delta when a field is removed back to its default")
	}
	if tree.Properties.Enabled != true {
		t.Fatalf("removed 'enabled' should reset to its default (true), got %v", tree.Properties.Enabled)
	}
}

func TestDecodeChangedEntriesWireShape(t *testing.T) {
	// a(ia{sv}): the outer array decodes to [][]interface{}, each element
	// being the struct's own []interface{} decode, not []interface{} for
	// the whole array.
	raw := [][]interface{}{
		{int32(1), map[string]dbus.Variant{"enabled": dbus.MakeVariant(false)}},
		{int32(2), map[string]dbus.Variant{"visible": dbus.MakeVariant(true)}},
	}
	got := decodeChangedEntries(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 changed entries, got %d", len(got))
	}
	if got[0].id != 1 || got[1].id != 2 {
		t.Fatalf("unexpected ids: %+v", got)
	}
	if v, ok := got[0].properties["enabled"]; !ok || v.Value() != false {
		t.Fatalf("expected entry 0's enabled=false, got %+v", got[0].properties)
	}
}

func TestDecodeChangedEntriesWrongOuterShapeReturnsNil(t *testing.T) {
	if got := decodeChangedEntries([]interface{}{"wrong-shape"}); got != nil {
		t.Fatalf("expected nil for a malformed outer array, got %+v", got)
	}
}

func TestDecodeRemovedEntriesWireShape(t *testing.T) {
	// a(ias): same outer-array rule as decodeChangedEntries.
	raw := [][]interface{}{
		{int32(3), []string{"enabled", "visible"}},
	}
	got := decodeRemovedEntries(raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 removed entry, got %d", len(got))
	}
	if got[0].id != 3 || len(got[0].fields) != 2 {
		t.Fatalf("unexpected entry: %+v", got[0])
	}
}

func TestDecodeRemovedEntriesWrongOuterShapeReturnsNil(t *testing.T) {
	if got := decodeRemovedEntries([]interface{}{"wrong-shape"}); got != nil {
		t.Fatalf("expected nil for a malformed outer array, got %+v", got)
	}
}

func TestApplyPropertyDiffNoOpWhenNothingChanges(t *testing.T) {
	tree := newMenuTree(node(1, map[string]interface{}{"enabled": true}))
	if delta := tree.applyPropertyDiff(propsVariant(map[string]interface{}{"enabled": true}), nil); delta != nil {
		t.Fatalf("expected nil delta when the diff sets a field to its current value, got %+v", delta)
	}
}
