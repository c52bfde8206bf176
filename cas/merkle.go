package cas

import (
	"bytes"
	"encoding/binary"
	"sort"

	"lukechampine.com/blake3"
)

// MerkleChild is one structural child contributing to a parent's merkle
// tree hash.
type MerkleChild struct {
	EdgeKind string
	// EdgePayload distinguishes edges of the same kind, e.g. a map key.
	EdgePayload []byte
	ChildID     [16]byte
	ChildHash   Hash
}

// MerkleTreeHash combines a node hash with its children. Children are sorted
// by (edge kind, child id, payload) first, so the result is independent of
// the order edges were inserted in. The input slice is sorted in place.
func MerkleTreeHash(nodeHash Hash, children []MerkleChild) Hash {
	sort.Slice(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if a.EdgeKind != b.EdgeKind {
			return a.EdgeKind < b.EdgeKind
		}
		if c := bytes.Compare(a.ChildID[:], b.ChildID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.EdgePayload, b.EdgePayload) < 0
	})

	h := blake3.New(HashSize, nil)
	h.Write(nodeHash[:])
	var lenBuf [binary.MaxVarintLen64]byte
	for _, c := range children {
		writeField(h, lenBuf[:], []byte(c.EdgeKind))
		writeField(h, lenBuf[:], c.EdgePayload)
		h.Write(c.ChildHash[:])
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// writeField length-prefixes variable fields so adjacent values cannot
// collide.
func writeField(h *blake3.Hasher, lenBuf []byte, b []byte) {
	n := binary.PutUvarint(lenBuf, uint64(len(b)))
	h.Write(lenBuf[:n])
	h.Write(b)
}

// HashFields hashes a sequence of length-prefixed fields.
func HashFields(fields ...[]byte) Hash {
	h := blake3.New(HashSize, nil)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, f := range fields {
		writeField(h, lenBuf[:], f)
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
