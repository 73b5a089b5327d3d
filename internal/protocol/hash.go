package protocol

// HashID is the djb2 hash of the lowercased game id, used to index the
// game name table. Ids are matched case-insensitively, so the hash has
// to fold case the same way the comparison does.
func HashID(id string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		h = h*33 + uint32(c)
	}
	return h
}

// HashPrefix is the signed djb2 hash over the first n bytes of b. It is
// numerically identical to the client's implementation, which computes in
// signed 32-bit arithmetic; the result can be negative, so it must never
// be used directly as a table index. Append verification (336) compares
// this value against the checksum the client sends.
func HashPrefix(b []byte, n int) int32 {
	if n > len(b) {
		n = len(b)
	}
	var h int32 = 5381
	for i := 0; i < n; i++ {
		h = h*33 + int32(b[i])
	}
	return h
}
