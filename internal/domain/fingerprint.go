package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// Fingerprint derives a stable identifier for an issue across review cycles.
//
// The hash is djb2 over the pipe-joined tuple "type|file|line|normalizedMessage",
// rendered as 8 lowercase hex digits. This value is a cross-system join key:
// reimplementations in other languages must reproduce the normalization and the
// hash bit-for-bit or cross-cycle matching silently breaks. Do not change either
// without migrating stored fingerprints.
func Fingerprint(issue Issue) string {
	payload := fmt.Sprintf("%s|%s|%d|%s", issue.Type, issue.File, issue.Line, NormalizeMessage(issue.Message))
	return fmt.Sprintf("%08x", djb2(payload))
}

// NormalizeMessage canonicalizes an issue message so that minor phrasing drift
// (casing, whitespace, inline code punctuation) does not change the fingerprint.
// Steps, in order: lowercase, strip inline code spans (`...`), drop punctuation
// and symbols, collapse runs of whitespace to a single space, trim.
func NormalizeMessage(message string) string {
	lower := strings.ToLower(message)
	stripped := stripInlineCode(lower)

	var b strings.Builder
	b.Grow(len(stripped))
	lastSpace := true
	for _, r := range stripped {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// stripInlineCode removes backtick-delimited spans including their contents.
// An unterminated backtick keeps the remainder of the string.
func stripInlineCode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for {
		open := strings.IndexByte(s, '`')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		close := strings.IndexByte(s[open+1:], '`')
		if close < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:open])
		b.WriteByte(' ')
		s = s[open+1+close+1:]
	}
}

// djb2 is the classic Bernstein hash: h = h*33 + byte, seeded with 5381,
// truncated to 32 bits.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}
