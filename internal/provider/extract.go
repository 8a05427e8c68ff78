package provider

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// lookup walks nested objects along path.
func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func object(m map[string]any, path ...string) map[string]any {
	obj, _ := lookup(m, path...).(map[string]any)
	return obj
}

// firstObject accepts either an object or an array of objects.
func firstObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		if len(t) > 0 {
			obj, _ := t[0].(map[string]any)
			return obj
		}
	}
	return nil
}

// str returns the first non-empty scalar found under keys.
func str(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		if s := scalar(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// scalar renders strings and numbers; ids arrive as either.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func boolean(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	switch t := m[key].(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// maxEpochMillis is 9999-12-31T23:59:59.999Z.
const maxEpochMillis = 253402300799999

// timestamp reads an epoch in seconds or milliseconds. Anything missing,
// non-numeric or past year 9999 falls back to now.
func timestamp(v any, now time.Time) time.Time {
	// protobuf Long encoded as {low, high, unsigned}
	if obj, ok := v.(map[string]any); ok {
		v = obj["low"]
	}
	s := scalar(v)
	if s == "" {
		return now
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !(f > 0 && f <= maxEpochMillis) {
		return now
	}
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

// NormalizePhone strips the transport suffix (@s.whatsapp.net, @c.us, device
// part) and keeps digits only.
func NormalizePhone(raw string) string {
	s := raw
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") ||
		strings.HasSuffix(jid, "@broadcast") ||
		strings.HasSuffix(jid, "@newsletter")
}

func kindFromMime(mime string) ContentKind {
	switch {
	case mime == "":
		return ContentText
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	case strings.HasPrefix(mime, "audio/"):
		return ContentAudio
	}
	return ContentDocument
}

// kindFromName maps provider type names ("chat", "ptt", "image", ...).
func kindFromName(name string) (ContentKind, bool) {
	switch strings.ToLower(name) {
	case "chat", "text", "conversation", "extendedtextmessage", "button", "interactive":
		return ContentText, true
	case "image", "imagemessage", "sticker", "stickermessage":
		return ContentImage, true
	case "video", "videomessage":
		return ContentVideo, true
	case "audio", "ptt", "voice", "audiomessage":
		return ContentAudio, true
	case "document", "documentmessage", "documentwithcaptionmessage":
		return ContentDocument, true
	}
	return "", false
}

func messagesArray(payload map[string]any) []any {
	if arr, ok := payload["messages"].([]any); ok {
		return arr
	}
	if value := cloudValue(payload); value != nil {
		if arr, ok := value["messages"].([]any); ok {
			return arr
		}
	}
	return nil
}

// cloudValue returns entry[0].changes[0].value of a Cloud API notification.
func cloudValue(payload map[string]any) map[string]any {
	entry := firstObject(payload["entry"])
	if entry == nil {
		return nil
	}
	change := firstObject(entry["changes"])
	if change == nil {
		return nil
	}
	return object(change, "value")
}
