package provider

import (
	"strings"
	"time"
)

// parseEvolution reads Baileys-shaped payloads, either bare
// ({key, message, pushName}) or wrapped in an Evolution API envelope
// ({event, instance, data: {key, message, ...}}).
func parseEvolution(payload map[string]any, now time.Time) (*Inbound, error) {
	data := payload
	if object(payload, "key") == nil {
		data = firstObject(payload["data"])
	}
	if data == nil {
		return nil, failf(KindEvolution, "missing data object")
	}
	key := object(data, "key")
	if key == nil {
		return nil, failf(KindEvolution, "missing message key")
	}

	jid := str(key, "remoteJid")
	if strings.HasSuffix(jid, "@lid") {
		if alt := str(key, "senderPn", "remoteJidAlt"); alt != "" {
			jid = alt
		}
	}
	if jid == "" {
		return nil, failf(KindEvolution, "missing remoteJid")
	}

	msg := &Inbound{
		Phone:             NormalizePhone(jid),
		IsGroup:           isGroupJID(jid),
		FromMe:            boolean(key, "fromMe"),
		ProviderMessageID: str(key, "id"),
		DisplayName:       str(data, "pushName", "notifyName"),
		Timestamp:         timestamp(data["messageTimestamp"], now),
		Instance:          str(payload, "instance", "instanceName"),
	}

	content := unwrapBaileys(object(data, "message"))
	if content == nil {
		return nil, failf(KindEvolution, "missing message content")
	}
	if !readBaileysContent(content, msg) {
		return nil, failf(KindEvolution, "unsupported message content")
	}
	if msg.MediaURL == "" {
		msg.MediaURL = str(data, "mediaUrl")
	}
	return msg, nil
}

// unwrapBaileys descends through ephemeral / view-once wrappers.
func unwrapBaileys(m map[string]any) map[string]any {
	wrappers := []string{"ephemeralMessage", "viewOnceMessage", "viewOnceMessageV2", "documentWithCaptionMessage"}
	for depth := 0; m != nil && depth < 4; depth++ {
		var inner map[string]any
		for _, w := range wrappers {
			if inner = object(m, w, "message"); inner != nil {
				break
			}
		}
		if inner == nil {
			return m
		}
		m = inner
	}
	return m
}

var baileysMedia = []struct {
	key  string
	kind ContentKind
}{
	{"imageMessage", ContentImage},
	{"videoMessage", ContentVideo},
	{"audioMessage", ContentAudio},
	{"documentMessage", ContentDocument},
	{"stickerMessage", ContentImage},
}

func readBaileysContent(m map[string]any, msg *Inbound) bool {
	if text := str(m, "conversation"); text != "" {
		msg.Kind = ContentText
		msg.Text = text
		return true
	}
	if text := str(object(m, "extendedTextMessage"), "text"); text != "" {
		msg.Kind = ContentText
		msg.Text = text
		return true
	}

	for _, media := range baileysMedia {
		sub := object(m, media.key)
		if sub == nil {
			continue
		}
		msg.Kind = media.kind
		msg.Text = str(sub, "caption")
		if msg.Text == "" && media.kind == ContentDocument {
			msg.Text = str(sub, "fileName", "title")
		}
		msg.MediaURL = str(sub, "url")
		msg.MimeType = str(sub, "mimetype")
		return true
	}

	// interactive replies carry the chosen option as text
	reply := str(object(m, "buttonsResponseMessage"), "selectedDisplayText")
	if reply == "" {
		reply = str(object(m, "templateButtonReplyMessage"), "selectedDisplayText")
	}
	if reply == "" {
		reply = str(object(m, "listResponseMessage"), "title")
	}
	if reply != "" {
		msg.Kind = ContentText
		msg.Text = reply
		return true
	}
	return false
}
