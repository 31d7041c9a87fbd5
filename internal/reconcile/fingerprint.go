// Package reconcile decides whether an incoming snapshot differs materially
// from the one currently held. It has no transport awareness.
package reconcile

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a comparable digest of every externally visible field of a
// snapshot. The zero value means nothing is held yet.
type Fingerprint uint64

// Fingerprinter is implemented by snapshots that can describe themselves to a
// Hasher.
type Fingerprinter interface {
	WriteFingerprint(h *Hasher)
}

// Hasher writes a canonical, length-prefixed field stream into xxhash64.
// Every value is tagged so that adjacent fields cannot run together.
type Hasher struct {
	d   *xxhash.Digest
	buf [9]byte
}

func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

// Field marks the start of a named field.
func (h *Hasher) Field(name string) {
	h.tagged('f', uint64(len(name)))
	_, _ = h.d.WriteString(name)
}

func (h *Hasher) String(s string) {
	h.tagged('s', uint64(len(s)))
	_, _ = h.d.WriteString(s)
}

func (h *Hasher) Int(v int64) {
	h.tagged('i', uint64(v))
}

func (h *Hasher) Bool(v bool) {
	var n uint64
	if v {
		n = 1
	}
	h.tagged('b', n)
}

// Ordered hashes n elements in the order given. Use it where position carries
// meaning (grid rows, cells within a row).
func (h *Hasher) Ordered(n int, fn func(i int)) {
	h.tagged('[', uint64(n))
	for i := 0; i < n; i++ {
		fn(i)
	}
	h.tagged(']', uint64(n))
}

// Keyed hashes n elements sorted by key, so the input order does not change the
// result. Use it for sets keyed by identity (players by id).
func (h *Hasher) Keyed(n int, key func(i int) string, fn func(i int)) {
	idx := make([]int, n)
	keys := make([]string, n)
	for i := range idx {
		idx[i] = i
		keys[i] = key(i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })

	h.tagged('{', uint64(n))
	for _, i := range idx {
		h.String(keys[i])
		fn(i)
	}
	h.tagged('}', uint64(n))
}

func (h *Hasher) Sum() Fingerprint {
	return Fingerprint(h.d.Sum64())
}

func (h *Hasher) tagged(tag byte, v uint64) {
	h.buf[0] = tag
	binary.BigEndian.PutUint64(h.buf[1:], v)
	_, _ = h.d.Write(h.buf[:])
}

// Of computes the fingerprint of a snapshot.
func Of(s Fingerprinter) Fingerprint {
	h := NewHasher()
	s.WriteFingerprint(h)
	return h.Sum()
}

// ShouldPropagate reports whether candidate differs from the snapshot whose
// fingerprint is prev. It returns the fingerprint to hold afterwards.
func ShouldPropagate(prev Fingerprint, candidate Fingerprinter) (bool, Fingerprint) {
	fp := Of(candidate)
	if prev != 0 && fp == prev {
		return false, prev
	}
	return true, fp
}
