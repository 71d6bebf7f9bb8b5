package protocol

// HashString returns the Jenkins one-at-a-time hash of s. Message tags and
// reliable command types are derived from their names with it, so both ends
// agree on the numbers without a shared table.
func HashString(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h += uint32(s[i])
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}
