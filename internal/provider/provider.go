// Package provider turns raw webhook payloads from WhatsApp transports into a
// provider-agnostic Inbound message.
//
// Every transport family has exactly one parser. The family is either given
// by the caller (the webhook route) or detected from the payload's shape.
// Parsing is pure: no I/O, no clock reads beyond the injected ingestion time.
package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/inbox-router/internal/model"
)

// Kind identifies a transport payload family.
type Kind string

const (
	// KindEvolution covers Baileys-shaped payloads carrying a message key
	// (Evolution API and compatible gateways).
	KindEvolution Kind = "evolution"
	// KindWAHA covers session-based gateways (WAHA, WPPConnect).
	KindWAHA Kind = "waha"
	// KindCloud covers payloads with a messages array or a flat messageId
	// (WhatsApp Cloud API, Z-API).
	KindCloud Kind = "cloud"
	// KindGeneric is the best-effort fallback.
	KindGeneric Kind = "generic"
)

// Kinds lists every supported family in detection order.
var Kinds = []Kind{KindEvolution, KindWAHA, KindCloud, KindGeneric}

// ParseKind maps a provider hint to a Kind. An empty or "auto" hint, or an
// unknown name, returns false and the caller should rely on detection.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindEvolution:
		return KindEvolution, true
	case KindWAHA:
		return KindWAHA, true
	case KindCloud:
		return KindCloud, true
	case KindGeneric:
		return KindGeneric, true
	}
	return "", false
}

// ContentKind is the coarse content classification of an inbound message.
type ContentKind string

const (
	ContentText     ContentKind = "texto"
	ContentImage    ContentKind = "imagem"
	ContentDocument ContentKind = "documento"
	ContentAudio    ContentKind = "audio"
	ContentVideo    ContentKind = "video"
)

// Placeholder is the text shown when a media message carries no caption.
func (k ContentKind) Placeholder() string {
	switch k {
	case ContentImage:
		return "Imagem"
	case ContentVideo:
		return "Vídeo"
	case ContentAudio:
		return "Áudio"
	case ContentDocument:
		return "Documento"
	}
	return ""
}

// MessageType maps the content kind to the ledger's message type.
func (k ContentKind) MessageType() model.MessageType {
	switch k {
	case ContentImage:
		return model.MessageImage
	case ContentVideo:
		return model.MessageVideo
	case ContentAudio:
		return model.MessageAudio
	case ContentDocument:
		return model.MessageDocument
	}
	return model.MessageText
}

// Inbound is a normalized message received from any provider.
type Inbound struct {
	Provider          Kind        `json:"provider"`
	Phone             string      `json:"phone"`
	DisplayName       string      `json:"display_name,omitempty"`
	Text              string      `json:"text"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
	Kind              ContentKind `json:"kind"`
	MediaURL          string      `json:"media_url,omitempty"`
	MimeType          string      `json:"mime_type,omitempty"`

	// FromMe marks an echo of a message sent from the tenant's own number.
	// Instance is the provider-side instance or session name, if any.
	FromMe   bool   `json:"from_me"`
	IsGroup  bool   `json:"is_group"`
	Instance string `json:"instance,omitempty"`
}

// TimestampISO renders the message timestamp as ISO-8601.
func (m *Inbound) TimestampISO() string {
	return m.Timestamp.UTC().Format(time.RFC3339)
}

// ParseFailure reports a payload that could not be normalized.
type ParseFailure struct {
	Provider Kind
	Reason   string
}

func (f *ParseFailure) Error() string {
	if f.Provider == "" {
		return "provider: " + f.Reason
	}
	return fmt.Sprintf("provider %s: %s", f.Provider, f.Reason)
}

func failf(kind Kind, format string, args ...any) *ParseFailure {
	return &ParseFailure{Provider: kind, Reason: fmt.Sprintf(format, args...)}
}

// Parse normalizes body using the parser for hint, or the detected family
// when hint is empty.
func Parse(body []byte, hint Kind) (*Inbound, error) {
	return ParseAt(body, hint, time.Now().UTC())
}

// ParseAt is Parse with an explicit ingestion time used for missing timestamps.
func ParseAt(body []byte, hint Kind, now time.Time) (*Inbound, error) {
	payload, err := decode(body)
	if err != nil {
		return nil, failf(hint, "invalid JSON: %v", err)
	}

	kind := hint
	if _, ok := ParseKind(string(kind)); !ok {
		kind = Detect(payload)
	}

	var msg *Inbound
	switch kind {
	case KindEvolution:
		msg, err = parseEvolution(payload, now)
	case KindWAHA:
		msg, err = parseWAHA(payload, now)
	case KindCloud:
		msg, err = parseCloud(payload, now)
	default:
		kind = KindGeneric
		msg, err = parseGeneric(payload, now)
	}
	if err != nil {
		return nil, err
	}

	msg.Provider = kind
	if msg.Phone == "" {
		return nil, failf(kind, "missing counterpart phone number")
	}
	if msg.Text == "" {
		msg.Text = msg.Kind.Placeholder()
	}
	if msg.Text == "" {
		return nil, failf(kind, "message has no content")
	}
	return msg, nil
}

// Detect fingerprints the payload's family from its structure.
func Detect(payload map[string]any) Kind {
	if object(payload, "key") != nil || object(firstObject(payload["data"]), "key") != nil {
		return KindEvolution
	}
	for _, k := range []string{"session", "sessionId", "account", "accountId"} {
		if _, ok := payload[k]; ok {
			return KindWAHA
		}
	}
	if messagesArray(payload) != nil || cloudValue(payload) != nil || str(payload, "messageId") != "" {
		return KindCloud
	}
	return KindGeneric
}

func decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return payload, nil
}
