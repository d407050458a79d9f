package sni

import "github.com/godbus/dbus/v5"

// ToggleType is the decoded form of a menu item's "toggle-type" string
// property.
type ToggleType int

const (
	ToggleNone ToggleType = iota
	ToggleCheckmark
	ToggleRadio
)

// MenuProperties is the decoded field set for one menu node. Every field
// falls back to its listed default when the remote value is absent or
// has an unexpected wire type.
type MenuProperties struct {
	Separator       bool
	Label           string
	AccessKey       rune
	HasAccessKey    bool
	Enabled         bool
	Visible         bool
	IconName        string
	IconData        []byte
	ToggleType      ToggleType
	ToggleState     bool
	ChildrenDisplay bool
}

func defaultMenuProperties() MenuProperties {
	return MenuProperties{Enabled: true, Visible: true}
}

// decodeMenuProperties applies the property decoding rules to a raw
// property map from a GetLayout response or an ItemsPropertiesUpdated
// entry.
func decodeMenuProperties(raw map[string]dbus.Variant) MenuProperties {
	p := defaultMenuProperties()
	if t, ok := stringField(raw, "type"); ok {
		p.Separator = t == "separator"
	}
	if v, ok := boolField(raw, "enabled"); ok {
		p.Enabled = v
	}
	if v, ok := boolField(raw, "visible"); ok {
		p.Visible = v
	}
	if v, ok := stringField(raw, "icon-name"); ok {
		p.IconName = v
	}
	if v, ok := raw["icon-data"]; ok {
		if b, ok := v.Value().([]byte); ok {
			p.IconData = b
		}
	}
	if v, ok := stringField(raw, "toggle-type"); ok {
		switch v {
		case "checkmark":
			p.ToggleType = ToggleCheckmark
		case "radio":
			p.ToggleType = ToggleRadio
		default:
			p.ToggleType = ToggleNone
		}
	}
	if v, ok := raw["toggle-state"]; ok {
		if n, ok := toInt(v); ok {
			p.ToggleState = n == 1
		}
	}
	if v, ok := stringField(raw, "children-display"); ok {
		p.ChildrenDisplay = v == "submenu"
	}
	if v, ok := stringField(raw, "label"); ok {
		text, key, hasKey := decodeMnemonic(v)
		p.Label = text
		p.AccessKey = key
		p.HasAccessKey = hasKey
	}
	return p
}

func stringField(raw map[string]dbus.Variant, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func boolField(raw map[string]dbus.Variant, key string) (bool, bool) {
	v, ok := raw[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

func toInt(v dbus.Variant) (int64, bool) {
	switch n := v.Value().(type) {
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case byte:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// rawNode is a GetLayout response node before it is merged into a
// MenuTree: (menu-id, properties, children).
type rawNode struct {
	id         int32
	properties map[string]dbus.Variant
	children   []rawNode
}

// parseLayoutValue decodes the self-referential (i, a{sv}, av) record
// GetLayout returns into a rawNode tree.
func parseLayoutValue(v dbus.Variant) (rawNode, bool) {
	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) != 3 {
		return rawNode{}, false
	}
	id, ok := fields[0].(int32)
	if !ok {
		return rawNode{}, false
	}
	props, ok := fields[1].(map[string]dbus.Variant)
	if !ok {
		props = nil
	}
	rawChildren, ok := fields[2].([]dbus.Variant)
	var children []rawNode
	if ok {
		for _, cv := range rawChildren {
			child, ok := parseLayoutValue(cv)
			if !ok {
				continue
			}
			children = append(children, child)
		}
	}
	return rawNode{id: id, properties: props, children: children}, true
}
