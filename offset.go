package mirror

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxOffsetSeconds is the largest seconds part whose millisecond value still
// fits in an int64.
const MaxOffsetSeconds = (math.MaxInt64 - 999) / 1000

// Offset is a parsed "seconds.nanoseconds" consensus timestamp.
type Offset struct {
	Seconds int64
	Nanos   int64
}

// ParseOffset parses a consensus offset. Malformed input, and seconds beyond
// MaxOffsetSeconds, return ok=false.
func ParseOffset(s string) (Offset, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Offset{}, false
	}

	secPart, nanoPart, hasDot := strings.Cut(s, ".")
	if secPart == "" || !allDigits(secPart) {
		return Offset{}, false
	}
	secs, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || secs > MaxOffsetSeconds {
		return Offset{}, false
	}

	var nanos int64
	if hasDot {
		if nanoPart == "" || len(nanoPart) > 9 || !allDigits(nanoPart) {
			return Offset{}, false
		}
		// "1000.5" means half a second, not five nanoseconds
		padded := nanoPart + strings.Repeat("0", 9-len(nanoPart))
		nanos, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return Offset{}, false
		}
	}

	return Offset{Seconds: secs, Nanos: nanos}, true
}

// Millis returns the offset as Unix milliseconds.
func (o Offset) Millis() int64 {
	return o.Seconds*1000 + o.Nanos/int64(time.Millisecond)
}

// String renders the offset in wire form with a 9 digit fraction.
func (o Offset) String() string {
	return strconv.FormatInt(o.Seconds, 10) + "." + leftPad(strconv.FormatInt(o.Nanos, 10), 9)
}

// Compare orders two parsed offsets.
func (o Offset) Compare(other Offset) int {
	switch {
	case o.Seconds < other.Seconds:
		return -1
	case o.Seconds > other.Seconds:
		return 1
	case o.Nanos < other.Nanos:
		return -1
	case o.Nanos > other.Nanos:
		return 1
	}
	return 0
}

// OffsetMillis converts a wire offset to Unix milliseconds.
func OffsetMillis(s string) (int64, bool) {
	o, ok := ParseOffset(s)
	if !ok {
		return 0, false
	}
	return o.Millis(), true
}

// CompareOffsets returns -1, 0 or 1. Invalid offsets sort before every valid
// offset and compare equal to each other.
func CompareOffsets(a, b string) int {
	oa, okA := ParseOffset(a)
	ob, okB := ParseOffset(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	return oa.Compare(ob)
}

// OffsetFromTime renders t as a wire offset.
func OffsetFromTime(t time.Time) string {
	return Offset{Seconds: t.Unix(), Nanos: int64(t.Nanosecond())}.String()
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
