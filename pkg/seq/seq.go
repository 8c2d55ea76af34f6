// Package seq implements wrapping comparisons over the 32-bit TCP sequence
// space. Every sequence comparison in this module goes through these
// functions; raw <, > on sequence values is a bug.
package seq

// LessThan reports whether a is "before" b on the wrapping sequence circle,
// i.e. b is within 2^31 sequence numbers ahead of a going forward from a.
func LessThan(a, b uint32) bool {
	return int32(a-b) < 0
}

// LessThanEqual reports whether a == b or a is before b.
func LessThanEqual(a, b uint32) bool {
	return a == b || LessThan(a, b)
}

// Between reports whether x lies strictly between start and end on the
// wrapping sequence circle (RFC 793 §3.3's "between" relation).
func Between(start, x, end uint32) bool {
	return LessThan(start, x) && LessThan(x, end)
}

// BetweenOrEqual reports whether x lies between start and end, inclusive of
// end — useful for ACK-number acceptance windows that are closed on the
// right (e.g. "una-1 < ackn <= nxt+1").
func BetweenOrEqual(start, x, end uint32) bool {
	return LessThan(start, x) && LessThanEqual(x, end)
}

// Max returns whichever of a, b is later on the wrapping sequence circle.
func Max(a, b uint32) uint32 {
	if LessThan(a, b) {
		return b
	}
	return a
}
