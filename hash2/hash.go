// Package hash2 implements the key hash functions used to route cache keys
// to servers.
package hash2

import (
	"crypto/md5"
	"hash/crc32"
	"hash/fnv"
	"strings"

	"github.com/dropbox/gomc/errors"
)

type Algorithm int

const (
	// FNV-1a, 32 bit.  The default for modulo style routing.
	FNV1A32 Algorithm = iota
	FNV132
	// CRC32 (IEEE), reduced to 15 bits the way libmemcached does it.
	CRC32
	// First four bytes of the key's MD5 digest, little endian.
	Ketama
	// Murmur3 32 bit with seed 0.
	Murmur3
)

var algorithmNames = map[Algorithm]string{
	FNV1A32: "fnv1a_32",
	FNV132:  "fnv1_32",
	CRC32:   "crc32",
	Ketama:  "ketama",
	Murmur3: "murmur3",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAlgorithm maps a configuration name (case insensitive) to an
// Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	lower := strings.ToLower(name)
	for alg, algName := range algorithmNames {
		if algName == lower {
			return alg, nil
		}
	}
	return 0, errors.Newf("Unknown hash algorithm: %s", name)
}

// Hash returns the 32 bit hash of key under the given algorithm.
func (a Algorithm) Hash(key string) uint32 {
	switch a {
	case FNV132:
		h := fnv.New32()
		_, _ = h.Write([]byte(key))
		return h.Sum32()
	case CRC32:
		return (crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff
	case Ketama:
		return KetamaHash(key)
	case Murmur3:
		return Murmur3Hash32([]byte(key), 0)
	default:
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return h.Sum32()
	}
}

// KetamaHash is the ring point of key: the first four bytes of its MD5
// digest, little endian.
func KetamaHash(key string) uint32 {
	digest := md5.Sum([]byte(key))
	return KetamaPoint(digest, 0)
}

// KetamaPoint extracts the i-th (0 <= i < 4) little endian point of a digest.
func KetamaPoint(digest [md5.Size]byte, i int) uint32 {
	b := digest[i*4 : i*4+4]
	return (uint32(b[3]) << 24) |
		(uint32(b[2]) << 16) |
		(uint32(b[1]) << 8) |
		uint32(b[0])
}
