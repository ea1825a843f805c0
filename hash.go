package ewf

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names one of the digests a Hasher can compute (§4.5, §6). The
// declared-in-image digests are MD5 and SHA-1; the rest are opt-in
// verification aids with no on-disk counterpart.
type Algorithm string

const (
	AlgoMD5    Algorithm = "md5"
	AlgoSHA1   Algorithm = "sha1"
	AlgoSHA256 Algorithm = "sha256"
	AlgoSHA512 Algorithm = "sha512"
	AlgoBLAKE2b512 Algorithm = "blake2b-512"
	AlgoBLAKE3 Algorithm = "blake3"
	AlgoXXH3   Algorithm = "xxh3-64"
	AlgoXXH64  Algorithm = "xxh64"
	AlgoCRC32  Algorithm = "crc32"
)

// DeclaredAlgorithms are the digests an EWF image itself can declare via
// its hash/digest sections.
var DeclaredAlgorithms = []Algorithm{AlgoMD5, AlgoSHA1}

// DefaultAlgorithms are computed by Verify when the caller doesn't name a
// specific set (§4.5): the two declared digests plus a fast non-crypto
// check, matching the declared hashes one-to-one while also giving a cheap
// way to compare two exports.
var DefaultAlgorithms = []Algorithm{AlgoMD5, AlgoSHA1, AlgoXXH3}

// MultiHasher feeds a single byte stream to several digest algorithms at
// once (§4.5), so Verify can compute every requested hash in one pass
// over the reconstructed media instead of reading it once per algorithm.
type MultiHasher struct {
	hashers map[Algorithm]hash.Hash
	crc     hash.Hash32
	blake3h *blake3.Hasher
	xxh3h   *xxh3.Hasher
}

// NewMultiHasher builds a hasher computing exactly the requested
// algorithms. An empty set is valid and simply discards all input.
func NewMultiHasher(algos []Algorithm) (*MultiHasher, error) {
	m := &MultiHasher{hashers: make(map[Algorithm]hash.Hash)}
	for _, a := range algos {
		switch a {
		case AlgoMD5:
			m.hashers[a] = md5.New()
		case AlgoSHA1:
			m.hashers[a] = sha1.New()
		case AlgoSHA256:
			m.hashers[a] = sha256.New()
		case AlgoSHA512:
			m.hashers[a] = sha512.New()
		case AlgoBLAKE2b512:
			h, err := blake2b.New512(nil)
			if err != nil {
				return nil, fmt.Errorf("blake2b-512: %w", err)
			}
			m.hashers[a] = h
		case AlgoBLAKE3:
			m.blake3h = blake3.New()
		case AlgoXXH3:
			m.xxh3h = xxh3.New()
		case AlgoXXH64:
			m.hashers[a] = xxhash.New()
		case AlgoCRC32:
			m.crc = crc32.NewIEEE()
		default:
			return nil, fmt.Errorf("unknown hash algorithm %q", a)
		}
	}
	return m, nil
}

// Write feeds buf to every configured algorithm. It never returns an
// error — none of the underlying hash.Hash implementations can fail on
// Write — matching the hash.Hash contract callers may already expect.
func (m *MultiHasher) Write(buf []byte) (int, error) {
	for _, h := range m.hashers {
		h.Write(buf)
	}
	if m.blake3h != nil {
		m.blake3h.Write(buf)
	}
	if m.xxh3h != nil {
		m.xxh3h.Write(buf)
	}
	if m.crc != nil {
		m.crc.Write(buf)
	}
	return len(buf), nil
}

// Sum returns the hex digest of every configured algorithm, keyed by
// Algorithm name (§4.9: Verify/Info report digests this way).
func (m *MultiHasher) Sum() map[string]string {
	out := make(map[string]string, len(m.hashers)+3)
	for a, h := range m.hashers {
		out[string(a)] = fmt.Sprintf("%x", h.Sum(nil))
	}
	if m.blake3h != nil {
		out[string(AlgoBLAKE3)] = fmt.Sprintf("%x", m.blake3h.Sum(nil))
	}
	if m.xxh3h != nil {
		out[string(AlgoXXH3)] = fmt.Sprintf("%016x", m.xxh3h.Sum64())
	}
	if m.crc != nil {
		out[string(AlgoCRC32)] = fmt.Sprintf("%08x", m.crc.Sum32())
	}
	return out
}
