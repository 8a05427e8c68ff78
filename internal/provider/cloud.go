package provider

import (
	"time"
)

// parseCloud reads either a messages-array notification (Cloud API, flat or
// wrapped in entry/changes) or a flat messageId event (Z-API).
func parseCloud(payload map[string]any, now time.Time) (*Inbound, error) {
	if arr := messagesArray(payload); arr != nil || cloudValue(payload) != nil {
		return parseCloudMessages(payload, arr, now)
	}
	return parseFlatMessage(payload, now)
}

func parseCloudMessages(payload map[string]any, messages []any, now time.Time) (*Inbound, error) {
	if len(messages) == 0 {
		return nil, failf(KindCloud, "no messages in payload")
	}
	m, ok := messages[0].(map[string]any)
	if !ok {
		return nil, failf(KindCloud, "malformed message entry")
	}
	value := cloudValue(payload)
	if value == nil {
		value = payload
	}
	contact := firstObject(value["contacts"])

	msg := &Inbound{
		Phone:             NormalizePhone(str(m, "from")),
		ProviderMessageID: str(m, "id"),
		DisplayName:       str(object(contact, "profile"), "name"),
		Timestamp:         timestamp(m["timestamp"], now),
		Instance:          str(object(value, "metadata"), "phone_number_id"),
	}

	typ := str(m, "type")
	switch typ {
	case "", "text":
		msg.Kind = ContentText
		msg.Text = str(object(m, "text"), "body")
	case "button":
		msg.Kind = ContentText
		msg.Text = str(object(m, "button"), "text")
	case "interactive":
		msg.Kind = ContentText
		msg.Text = str(object(m, "interactive", "button_reply"), "title")
		if msg.Text == "" {
			msg.Text = str(object(m, "interactive", "list_reply"), "title")
		}
	case "location":
		msg.Kind = ContentText
		msg.Text = str(object(m, "location"), "name", "address")
		if msg.Text == "" {
			msg.Text = "Localização"
		}
	default:
		kind, ok := kindFromName(typ)
		if !ok {
			return nil, failf(KindCloud, "unsupported message type %q", typ)
		}
		media := object(m, typ)
		msg.Kind = kind
		msg.Text = str(media, "caption")
		if msg.Text == "" && kind == ContentDocument {
			msg.Text = str(media, "filename")
		}
		msg.MediaURL = str(media, "link", "url")
		msg.MimeType = str(media, "mime_type")
	}
	return msg, nil
}

var flatMedia = []struct {
	key    string
	urlKey string
	kind   ContentKind
}{
	{"image", "imageUrl", ContentImage},
	{"video", "videoUrl", ContentVideo},
	{"audio", "audioUrl", ContentAudio},
	{"document", "documentUrl", ContentDocument},
}

func parseFlatMessage(payload map[string]any, now time.Time) (*Inbound, error) {
	phone := str(payload, "phone", "chatId", "from")
	msg := &Inbound{
		Phone:             NormalizePhone(phone),
		IsGroup:           boolean(payload, "isGroup") || isGroupJID(phone),
		FromMe:            boolean(payload, "fromMe"),
		ProviderMessageID: str(payload, "messageId", "id"),
		DisplayName:       str(payload, "senderName", "chatName", "pushName"),
		Timestamp:         timestamp(firstPresent(payload["momment"], payload["moment"], payload["timestamp"]), now),
		Instance:          str(payload, "instanceId", "instance"),
		Kind:              ContentText,
	}

	if text := object(payload, "text"); text != nil {
		msg.Text = str(text, "message", "body")
	} else {
		msg.Text = str(payload, "text", "body")
	}

	for _, media := range flatMedia {
		sub := object(payload, media.key)
		if sub == nil {
			continue
		}
		msg.Kind = media.kind
		msg.Text = str(sub, "caption")
		if msg.Text == "" && media.kind == ContentDocument {
			msg.Text = str(sub, "fileName", "title")
		}
		msg.MediaURL = str(sub, media.urlKey)
		msg.MimeType = str(sub, "mimeType")
		break
	}
	return msg, nil
}
