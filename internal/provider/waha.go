package provider

import (
	"time"
)

// parseWAHA reads session-based gateway events. The message sits under
// "payload" (WAHA), "data", or at the top level (WPPConnect).
func parseWAHA(payload map[string]any, now time.Time) (*Inbound, error) {
	body := object(payload, "payload")
	if body == nil {
		body = object(payload, "data")
	}
	if body == nil {
		body = payload
	}

	fromMe := boolean(body, "fromMe")
	jid := str(body, "from")
	if fromMe {
		if to := str(body, "to"); to != "" {
			jid = to
		}
	}
	if jid == "" {
		jid = str(body, "chatId")
	}
	if jid == "" {
		return nil, failf(KindWAHA, "missing sender")
	}

	msg := &Inbound{
		Phone:             NormalizePhone(jid),
		IsGroup:           isGroupJID(jid),
		FromMe:            fromMe,
		ProviderMessageID: serializedID(body["id"]),
		DisplayName:       wahaName(body),
		Timestamp:         timestamp(firstPresent(body["timestamp"], body["t"]), now),
		Instance:          wahaInstance(payload),
	}

	media := object(body, "media")
	msg.MediaURL = str(media, "url")
	msg.MimeType = str(media, "mimetype")
	if msg.MimeType == "" {
		msg.MimeType = str(body, "mimetype")
	}

	kind, ok := kindFromName(str(body, "type"))
	if !ok {
		kind = kindFromMime(msg.MimeType)
		if kind == ContentText && boolean(body, "hasMedia") {
			kind = ContentDocument
		}
	}
	msg.Kind = kind

	if kind == ContentText {
		msg.Text = str(body, "body", "text", "content", "caption")
	} else {
		// media bodies may hold base64 thumbnails; only captions are text
		msg.Text = str(body, "caption")
		if msg.Text == "" && kind == ContentDocument {
			msg.Text = str(media, "filename")
			if msg.Text == "" {
				msg.Text = str(body, "filename")
			}
		}
	}
	return msg, nil
}

// serializedID accepts "id" as a string or as {_serialized} / {id}.
func serializedID(v any) string {
	if obj, ok := v.(map[string]any); ok {
		return str(obj, "_serialized", "id")
	}
	return scalar(v)
}

func wahaName(body map[string]any) string {
	if name := str(object(body, "_data"), "notifyName"); name != "" {
		return name
	}
	if name := str(body, "notifyName", "pushName", "pushname"); name != "" {
		return name
	}
	return str(object(body, "sender"), "pushname", "name")
}

func wahaInstance(payload map[string]any) string {
	if account := object(payload, "account"); account != nil {
		return str(account, "id", "name")
	}
	return str(payload, "session", "sessionId", "account", "accountId")
}

func firstPresent(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
