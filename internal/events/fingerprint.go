package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"
)

const maxFingerprintRunes = 600

const strippedPunctuation = ".,!?;:\"'()[]{}<>"

// NormalizeText lowercases, trims, collapses whitespace, drops a fixed set of
// punctuation and truncates to 600 runes. Reward matching and fingerprints
// both operate on this form.
func NormalizeText(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	b.Grow(len(lowered))
	space := false
	for _, r := range lowered {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		// A dropped rune keeps any pending separator pending.
		if strings.ContainsRune(strippedPunctuation, r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if runes := []rune(out); len(runes) > maxFingerprintRunes {
		out = string(runes[:maxFingerprintRunes])
	}
	return out
}

// TextFingerprint hashes normalized message text alone.
func TextFingerprint(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the stable content hash over (user, type, normalized text).
func Fingerprint(userID string, typ Type, text string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0x1f})
	h.Write([]byte(typ))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeText(text)))
	return hex.EncodeToString(h.Sum(nil))
}

// payloadText picks the text a payload is fingerprinted on: payload.text when
// present, otherwise the payload's canonical JSON (sorted keys).
func payloadText(payload map[string]any) string {
	if s, ok := payload["text"].(string); ok && s != "" {
		return s
	}
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}
