// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package manga

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeTitle case-folds a title, strips punctuation, and collapses
// whitespace. It is the canonical form used for deduplication, so
// "One Piece", "one piece" and "One  Piece!" all normalize identically.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	pendingSpace := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingSpace = true
		default:
			// Punctuation separates words the same way whitespace does:
			// "re:zero" must not collapse into "rezero" while "don't"
			// staying split is acceptable for matching purposes.
			pendingSpace = true
		}
	}
	return b.String()
}

// Fingerprint computes the deduplication key for a title: the normalized
// title plus the year when known. Entries with equal fingerprints fuse into
// a single record.
func Fingerprint(title string, year int) string {
	n := NormalizeTitle(title)
	if year > 0 {
		n += "|" + strconv.Itoa(year)
	}
	return n
}

// EntryID derives the stable synthetic Entry identifier from a fingerprint.
// The hash keeps IDs short and URL-safe regardless of title length.
func EntryID(fingerprint string) string {
	sum := sha1.Sum([]byte(fingerprint))
	return hex.EncodeToString(sum[:10])
}
