// Package cas provides content addressing for the rebaser: BLAKE3 hashes,
// canonical JSON, and a streaming hasher used for Merkle tree hashes.
package cas

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// Size is the length in bytes of a Hash.
const Size = 32

// Hash is a BLAKE3-256 digest. It is used for content hashes, Merkle tree
// hashes and snapshot addresses.
type Hash [Size]byte

// ZeroHash is the hash with every byte zero. It never addresses real content.
var ZeroHash Hash

// Sum hashes data.
func Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

// SumJSON hashes the canonical JSON encoding of v.
func SumJSON(v any) (Hash, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return ZeroHash, err
	}
	return Sum(data), nil
}

// ParseHash parses the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("parsing hash %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FromBytes copies a raw digest into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("hash: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 12 hex characters, for logs.
func (h Hash) Short() string { return h.String()[:12] }

func (h Hash) IsZero() bool { return h == ZeroHash }

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Value stores the hash as a BLOB. The zero hash is stored as NULL.
func (h Hash) Value() (driver.Value, error) {
	if h.IsZero() {
		return nil, nil
	}
	return h.Bytes(), nil
}

func (h *Hash) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*h = ZeroHash
		return nil
	case []byte:
		parsed, err := FromBytes(v)
		if err != nil {
			return err
		}
		*h = parsed
		return nil
	case string:
		return h.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("hash: cannot scan %T", src)
	}
}

// Hasher builds a hash from a sequence of labelled parts. Every write is
// length-prefixed so distinct sequences never collide by concatenation.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

func (s *Hasher) WriteString(v string) {
	s.writeLen(len(v))
	s.h.Write([]byte(v))
}

func (s *Hasher) WriteBytes(v []byte) {
	s.writeLen(len(v))
	s.h.Write(v)
}

func (s *Hasher) WriteHash(v Hash) {
	s.h.Write(v[:])
}

func (s *Hasher) writeLen(n int) {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(n >> (8 * i))
	}
	s.h.Write(buf[:])
}

// Sum returns the digest of everything written so far.
func (s *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], s.h.Sum(nil))
	return out
}

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return canonicalMarshal(obj)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return marshalSortedMap(val)
	case []any:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
