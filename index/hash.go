package index

import (
	"crypto/md5"
	"unicode/utf16"
)

// NumSlots is the fixed size of the directory: slot i holds the head
// BlockInfo for every key whose slotHash equals i.
const NumSlots = 65535

// slotHash computes the directory slot for key: abs(md5(utf16le(key)).fold(397,
// (s,b) => (s*397) XOR b)) mod NumSlots. The fold uses 32-bit arithmetic
// with wraparound (matching an unchecked int32 accumulator) so that the
// placement is exactly reproducible across runs against the same files.
func slotHash(key string) int {
	units := utf16.Encode([]rune(key))
	raw := make([]byte, 2*len(units))
	for i, u := range units {
		raw[2*i] = byte(u)
		raw[2*i+1] = byte(u >> 8)
	}

	digest := md5.Sum(raw)

	h := int32(397)
	for _, b := range digest {
		h = h*397 ^ int32(b)
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v % NumSlots)
}
