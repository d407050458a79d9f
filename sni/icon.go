package sni

import "github.com/godbus/dbus/v5"

// decodeIconPixmap converts the raw a(iiay) wire value for an
// IconPixmap-shaped property into frames, rejecting any frame with
// non-positive dimensions or a byte slice shorter than width*height*4.
// Byte-order conversion and premultiplication are a renderer concern and
// are left untouched here.
func decodeIconPixmap(v dbus.Variant, log frameLogger, item string) []IconFrame {
	raw, ok := v.Value().([][]interface{})
	if !ok {
		return nil
	}
	frames := make([]IconFrame, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 3 {
			continue
		}
		width, ok1 := entry[0].(int32)
		height, ok2 := entry[1].(int32)
		bytes, ok3 := entry[2].([]byte)
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		if width <= 0 || height <= 0 {
			if log != nil {
				log.Warn("rejecting icon pixmap frame with non-positive dimensions", "item", item, "width", width, "height", height)
			}
			continue
		}
		need := int64(width) * int64(height) * 4
		if int64(len(bytes)) < need {
			if log != nil {
				log.Warn("rejecting icon pixmap frame with truncated data", "item", item, "width", width, "height", height, "got", len(bytes), "want", need)
			}
			continue
		}
		frames = append(frames, IconFrame{Width: width, Height: height, Bytes: bytes})
	}
	return frames
}

// frameLogger is the minimal logging surface decodeIconPixmap needs,
// satisfied by *slog.Logger without importing log/slog here just for a
// type constraint.
type frameLogger interface {
	Warn(msg string, args ...any)
}
