package middleware

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxContentLength = 100000
	maxIDLength      = 128
	maxLabelLength   = 64
	maxReasonLength  = 500
)

// ValidateMessageContent validates outbound message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a conversation, agent or note identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return errors.New(field + " cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New(field + " exceeds maximum length")
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return errors.New(field + " has invalid characters")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > maxLabelLength {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}

// ValidateSector validates an optional sector name.
func ValidateSector(sector string) error {
	if len(sector) > maxLabelLength {
		return errors.New("sector exceeds maximum length")
	}
	if !utf8.ValidString(sector) {
		return errors.New("sector must be valid UTF-8")
	}
	return nil
}

// ValidateReason validates a free-text reason or note.
func ValidateReason(reason string) error {
	if len(reason) > maxReasonLength {
		return errors.New("reason exceeds maximum length")
	}
	if !utf8.ValidString(reason) {
		return errors.New("reason must be valid UTF-8")
	}
	return nil
}
