package sni

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestParseLayoutValueDecodesNestedChildren(t *testing.T) {
	grandchild := dbus.MakeVariant([]interface{}{
		int32(3),
		map[string]dbus.Variant{"label": dbus.MakeVariant("Grandchild")},
		[]dbus.Variant{},
	})
	child := dbus.MakeVariant([]interface{}{
		int32(2),
		map[string]dbus.Variant{"label": dbus.MakeVariant("Child")},
		[]dbus.Variant{grandchild},
	})
	root := dbus.MakeVariant([]interface{}{
		int32(0),
		map[string]dbus.Variant{"label": dbus.MakeVariant("Root")},
		[]dbus.Variant{child},
	})

	got, ok := parseLayoutValue(root)
	if !ok {
		t.Fatal("expected successful decode of a well-formed layout value")
	}
	if got.id != 0 {
		t.Fatalf("expected root id 0, got %d", got.id)
	}
	if len(got.children) != 1 {
		t.Fatalf("expected 1 child, got %d (children were dropped: outer array decodes as []dbus.Variant, not []interface{})", len(got.children))
	}
	if got.children[0].id != 2 {
		t.Fatalf("expected child id 2, got %d", got.children[0].id)
	}
	if len(got.children[0].children) != 1 || got.children[0].children[0].id != 3 {
		t.Fatalf("expected one grandchild with id 3, got %+v", got.children[0].children)
	}
}

func TestParseLayoutValueRejectsWrongShape(t *testing.T) {
	bad := dbus.MakeVariant([]interface{}{int32(0), "not-a-property-map"})
	if _, ok := parseLayoutValue(bad); ok {
		t.Fatal("expected a two-element record to be rejected")
	}
}

func TestParseLayoutValueNoChildrenIsEmptyNotError(t *testing.T) {
	root := dbus.MakeVariant([]interface{}{
		int32(5),
		map[string]dbus.Variant{},
		[]dbus.Variant{},
	})
	got, ok := parseLayoutValue(root)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if len(got.children) != 0 {
		t.Fatalf("expected no children, got %d", len(got.children))
	}
}
