// Package protocol decodes the values a soil-moisture peripheral publishes
// on its GATT characteristic.
//
// The firmware publishes the raw ADC reading as ASCII digits. Some platform
// stacks hand the value over base64-encoded, others as the raw bytes, so the
// parser accepts both.
package protocol

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// ParseMoisture extracts a non-negative moisture reading from a
// characteristic value. It reports false for empty or malformed values and
// never panics: a garbled notification is sensor noise, not a session error.
func ParseMoisture(value []byte) (int, bool) {
	if len(value) == 0 {
		return 0, false
	}

	raw := string(value)
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw)); err == nil {
		if v, ok := parseDigits(string(decoded)); ok {
			return v, true
		}
	}
	// Not base64, or base64 that doesn't carry digits: treat as plain text.
	return parseDigits(raw)
}

func parseDigits(s string) (int, bool) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.Atoi(cleaned)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// EncodeMoisture renders v the way a base64-encoding stack delivers it.
func EncodeMoisture(v int) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(v))))
}

// NormalizeUUID lowercases a UUID and strips its dashes so that 16-bit,
// 128-bit, upper- and lower-case renderings compare by content.
func NormalizeUUID(uuid string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(uuid)), "-", "")
}

// SameUUID reports whether a and b name the same UUID after normalization.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
