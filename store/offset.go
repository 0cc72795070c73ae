package store

import (
	"fmt"
	"strconv"
)

// Offset is a position within a stream. It counts data bytes for byte-mode
// streams and records for record-mode streams. The wire form is a plain
// decimal string ("0", "5", ...). The distinguished value -1 means "the
// current head at the moment the request is evaluated" and is resolved by
// the caller before the store sees it.
type Offset int64

// HeadOffset is the sentinel for "current head", resolved at request time.
const HeadOffset Offset = -1

// ZeroOffset is the starting offset for a new stream.
const ZeroOffset Offset = 0

// String returns the offset in its wire form.
func (o Offset) String() string {
	return strconv.FormatInt(int64(o), 10)
}

// IsHead returns true if this is the head sentinel.
func (o Offset) IsHead() bool {
	return o == HeadOffset
}

// Next computes the offset following a record of the given size delta.
// Byte-mode streams pass the record length; record-mode streams pass 1.
func (o Offset) Next(sizeDelta int64) Offset {
	return o + Offset(sizeDelta)
}

// ParseOffset parses a wire-form offset. "-1" yields HeadOffset. Anything
// other than "-1" or a plain non-negative decimal without leading zeros is
// rejected; the strictness keeps malformed and adversarial inputs out of
// offset arithmetic.
func ParseOffset(s string) (Offset, error) {
	if s == "-1" {
		return HeadOffset, nil
	}
	if !isValidOffsetFormat(s) {
		return 0, fmt.Errorf("invalid offset %q: must be -1 or a non-negative decimal", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	return Offset(n), nil
}

// isValidOffsetFormat reports whether s is "0" or digits without a leading
// zero. No signs, spaces, or control characters.
func isValidOffsetFormat(s string) bool {
	if len(s) == 0 {
		return false
	}
	if s == "0" {
		return true
	}
	if s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
