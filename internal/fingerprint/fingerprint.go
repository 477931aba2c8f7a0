// Package fingerprint computes stable content hashes of derived views and
// remembers the last broadcast hash per view.
//
// Values are encoded with CBOR Core Deterministic Encoding (RFC 8949 §4.2),
// so map keys are sorted and integers use their smallest form, then digested
// with BLAKE3-256. Struct fields tagged `cbor:"-"` are left out of the hash.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// ErrEncode reports a value that cannot be canonically encoded.
var ErrEncode = errors.New("fingerprint: encode")

// Fingerprint is a hex-encoded BLAKE3-256 digest. The zero value is the
// sentinel that never equals a computed fingerprint.
type Fingerprint string

// Sentinel is stored after a reset; it differs from every real digest.
const Sentinel Fingerprint = ""

// Canonicaler is implemented by views holding order-irrelevant collections.
// Canonical returns an equivalent value whose ordering is fixed.
type Canonicaler interface {
	Canonical() any
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	// nil and empty collections carry the same meaning.
	opts.NilContainers = cbor.NilContainerAsEmpty
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("fingerprint: CBOR encoder initialization failed: " + err.Error())
	}
}

// Canonical returns the canonical encoding of v.
func Canonical(v any) ([]byte, error) {
	if c, ok := v.(Canonicaler); ok {
		v = c.Canonical()
	}
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

// Of hashes v.
func Of(v any) (Fingerprint, error) {
	b, err := Canonical(v)
	if err != nil {
		return Sentinel, err
	}
	sum := blake3.Sum256(b)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// Store keeps the last broadcast fingerprint per view name.
type Store struct {
	mu   sync.Mutex
	last map[string]Fingerprint
}

func NewStore() *Store {
	return &Store{last: make(map[string]Fingerprint)}
}

// Changed reports whether fp differs from the last committed fingerprint
// for view. A view never committed, or reset, is always changed.
func (s *Store) Changed(view string, fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.last[view]
	return !ok || last == Sentinel || last != fp
}

// Commit records fp as the last broadcast fingerprint for view.
func (s *Store) Commit(view string, fp Fingerprint) {
	s.mu.Lock()
	s.last[view] = fp
	s.mu.Unlock()
}

// Reset sets every known view back to the sentinel.
func (s *Store) Reset() {
	s.mu.Lock()
	for k := range s.last {
		s.last[k] = Sentinel
	}
	s.mu.Unlock()
}

// Last returns the stored fingerprint for view.
func (s *Store) Last(view string) Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[view]
}
