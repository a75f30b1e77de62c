// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package watermark implements the lexicographic version stamps used to
// locate positions in the upstream change stream. A watermark is a
// (major, minor) pair: the major component is the upstream log position
// and the minor component is a local sub-counter used to stack
// locally generated transactions (backfills) on top of a given
// upstream version. The canonical string form sorts correctly as raw
// bytes, which is what allows watermarks to be compared and persisted
// without ever being parsed.
package watermark

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrMalformed is returned when a watermark string cannot be
	// parsed. Watermarks are minted by this package and by the
	// upstream change source, so a parse failure is always fatal to
	// the caller.
	ErrMalformed = errors.ConstError("malformed watermark")
)

// Watermark is a position in the change stream. The zero value is not
// a valid watermark.
type Watermark struct {
	// Major is the upstream log position, already in a form that
	// sorts lexicographically.
	Major string

	// Minor is the local sub-counter. Transactions synthesised by the
	// backfill producer carry a minor component greater than zero.
	Minor uint64
}

// Parse returns the watermark encoded in s.
func Parse(s string) (Watermark, error) {
	if s == "" {
		return Watermark{}, errors.Annotate(ErrMalformed, "empty string")
	}
	major, encoded, found := strings.Cut(s, ".")
	if major == "" {
		return Watermark{}, errors.Annotatef(ErrMalformed, "%q", s)
	}
	if !found {
		return Watermark{Major: major}, nil
	}
	minor, err := decodeMinor(encoded)
	if err != nil {
		return Watermark{}, errors.Annotatef(err, "%q", s)
	}
	return Watermark{Major: major, Minor: minor}, nil
}

// MustParse parses s and panics if it is malformed. For use with
// literals only.
func MustParse(s string) Watermark {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical string form. The minor component is
// omitted entirely when zero, so a pure upstream watermark round-trips
// unchanged.
func (w Watermark) String() string {
	if w.Minor == 0 {
		return w.Major
	}
	return w.Major + "." + encodeMinor(w.Minor)
}

// Succ returns the watermark directly after w, keeping the same major
// component. This is how the backfill producer mints transaction
// watermarks on top of the current upstream position.
func (w Watermark) Succ() Watermark {
	return Watermark{Major: w.Major, Minor: w.Minor + 1}
}

// Compare returns -1, 0 or 1 as a sorts before, equal to or after b.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// encodeMinor produces a base36 rendering of n prefixed with a single
// base36 digit holding len(digits)-1. The length prefix is what makes
// the encoding sort lexicographically: a longer number is always a
// larger number, and equal-length numbers compare digit by digit.
func encodeMinor(n uint64) string {
	digits := strconv.FormatUint(n, 36)
	return string(base36Digit(len(digits)-1)) + digits
}

func decodeMinor(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, errors.Annotate(ErrMalformed, "minor component too short")
	}
	length, err := strconv.ParseUint(s[:1], 36, 8)
	if err != nil {
		return 0, errors.Annotate(ErrMalformed, "minor length prefix")
	}
	digits := s[1:]
	if int(length)+1 != len(digits) {
		return 0, errors.Annotatef(ErrMalformed, "minor length prefix %d does not match %d digits", length+1, len(digits))
	}
	n, err := strconv.ParseUint(digits, 36, 64)
	if err != nil {
		return 0, errors.Annotate(ErrMalformed, "minor digits")
	}
	if n == 0 {
		return 0, errors.Annotate(ErrMalformed, "minor component of zero must be omitted")
	}
	return n, nil
}

func base36Digit(n int) byte {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	return digits[n]
}
