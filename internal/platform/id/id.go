// Package id generates sortable, globally unique identifiers.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

// HexEncoding keeps byte order and lexicographic order aligned, which
// StdEncoding does not (its digits sort before its letters).
var encoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier.
//
// The first six bytes hold the creation time in milliseconds, so ids
// generated later sort lexicographically after earlier ones. The
// remaining ten bytes are random.
func NewID() (string, error) {
	return newIDAt(time.Now().UTC())
}

func newIDAt(now time.Time) (string, error) {
	var raw [16]byte

	millis := uint64(now.UnixMilli())
	raw[0] = byte(millis >> 40)
	raw[1] = byte(millis >> 32)
	raw[2] = byte(millis >> 24)
	raw[3] = byte(millis >> 16)
	raw[4] = byte(millis >> 8)
	raw[5] = byte(millis)

	if _, err := rand.Read(raw[6:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}
