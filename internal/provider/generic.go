package provider

import (
	"time"
)

var (
	genericPhoneKeys   = []string{"phone", "phoneNumber", "from", "number"}
	genericContentKeys = []string{"content", "message", "text", "body"}
)

// parseGeneric reads commonly named fields from the payload or its "data"
// object.
func parseGeneric(payload map[string]any, now time.Time) (*Inbound, error) {
	src := payload
	if str(payload, genericPhoneKeys...) == "" {
		if data := firstObject(payload["data"]); data != nil {
			src = data
		}
	}

	raw := str(src, genericPhoneKeys...)
	if raw == "" {
		return nil, failf(KindGeneric, "unrecognized payload shape")
	}

	msg := &Inbound{
		Phone:             NormalizePhone(raw),
		IsGroup:           isGroupJID(raw),
		FromMe:            boolean(src, "fromMe"),
		ProviderMessageID: str(src, "id", "messageId", "message_id"),
		DisplayName:       str(src, "name", "senderName", "pushName", "notifyName"),
		Text:              genericText(src),
		Timestamp:         timestamp(firstPresent(src["timestamp"], src["t"]), now),
		Instance:          str(payload, "instance"),
		Kind:              ContentText,
	}
	msg.MediaURL = str(src, "mediaUrl", "media_url")
	if msg.MediaURL != "" {
		msg.MimeType = str(src, "mimetype", "mimeType", "mime_type")
		msg.Kind = kindFromMime(msg.MimeType)
		if msg.Kind == ContentText {
			msg.Kind = ContentDocument
		}
	}
	return msg, nil
}

func genericText(src map[string]any) string {
	for _, key := range genericContentKeys {
		if nested, ok := src[key].(map[string]any); ok {
			if text := str(nested, "body", "text", "message", "content"); text != "" {
				return text
			}
			continue
		}
		if text := scalar(src[key]); text != "" {
			return text
		}
	}
	return ""
}
