package hash2

import "encoding/binary"

const (
	murmurC1 uint32 = 0xcc9e2d51
	murmurC2 uint32 = 0x1b873593
)

func rotl32(x uint32, r uint) uint32 {
	return (x << r) | (x >> (32 - r))
}

func murmurMixK(k uint32) uint32 {
	k *= murmurC1
	k = rotl32(k, 15)
	return k * murmurC2
}

// Murmur3Hash32 is the 32 bit x86 variant of MurmurHash3.
func Murmur3Hash32(data []byte, seed uint32) uint32 {
	h := seed

	blocks := len(data) / 4
	for i := 0; i < blocks; i++ {
		h ^= murmurMixK(binary.LittleEndian.Uint32(data[i*4:]))
		h = rotl32(h, 13)
		h = h*5 + 0xe6546b64
	}

	tail := data[blocks*4:]
	var k uint32
	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(tail[0])
		h ^= murmurMixK(k)
	}

	h ^= uint32(len(data))

	// fmix32
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
