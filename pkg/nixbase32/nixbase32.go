// Package nixbase32 implements Nix's base32 variant: the alphabet
// "0123456789abcdfghijklmnpqrsvwxyz" (the ten digits and every letter
// except e, o, t and u) packed LSB-first rather than RFC4648's
// MSB-first bit order. Every narinfo hash and store path hash segment on
// the wire uses this encoding; stdlib encoding/base32 cannot produce it.
package nixbase32

// Alphabet is Nix's base32 character set, also used by
// pkg/storepath to validate the hash segment of a package id.
const Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// Encode returns the nixbase32 encoding of data, matching
// to_nix32's bit-packing: characters are emitted most-significant-first,
// each one pulling 5 bits starting at bit offset n*5 from the LSB end of
// the byte slice.
func Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	length := (len(data)*8-1)/5 + 1
	out := make([]byte, length)

	for n := length - 1; n >= 0; n-- {
		b := n * 5
		i := b / 8
		j := uint(b % 8)

		c := data[i] >> j
		if i+1 < len(data) {
			c |= data[i+1] << (8 - j)
		}
		out[length-1-n] = Alphabet[c&0x1f]
	}

	return string(out)
}
