// Package sessions holds conversation state per sender and the store keys it lives under.
//
// Keys:
//
//	Session:           session:{sender}
//	Sender rate limit: ratelimit:sender:{sender}
//	Global rate limit: ratelimit:global
//
// {sender} is the E.164 number with any channel prefix removed, e.g.
//
//	session:+15551234567
//	ratelimit:sender:+15551234567
package sessions

import (
	"strings"
)

const (
	SessionPrefix    = "session:"
	senderRatePrefix = "ratelimit:sender:"
	GlobalRateKey    = "ratelimit:global"
)

// NormalizeSender strips the "whatsapp:" channel prefix and surrounding space.
// Comparison against the allowlist happens on the normalized form only.
func NormalizeSender(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len("whatsapp:") && strings.EqualFold(s[:len("whatsapp:")], "whatsapp:") {
		s = s[len("whatsapp:"):]
	}
	return strings.TrimSpace(s)
}

// SessionKey builds the store key for a sender's conversation.
func SessionKey(sender string) string {
	return SessionPrefix + NormalizeSender(sender)
}

// SenderRateKey builds the per-sender rate-limit counter key.
func SenderRateKey(sender string) string {
	return senderRatePrefix + NormalizeSender(sender)
}

// SenderFromKey extracts the sender from a session key.
// Returns "" for keys outside the session namespace.
func SenderFromKey(key string) string {
	if !strings.HasPrefix(key, SessionPrefix) {
		return ""
	}
	return key[len(SessionPrefix):]
}

// MaskSender hides the middle of a phone number for logs: +1555***1111.
func MaskSender(sender string) string {
	s := NormalizeSender(sender)
	if len(s) <= 8 {
		return "***"
	}
	return s[:5] + "***" + s[len(s)-4:]
}
