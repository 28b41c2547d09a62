// Package integrity provides tamper-evident hashing for attribute snapshot
// histories. Each snapshot's content hash covers its canonical fields plus
// the hash of its predecessor, so rewriting, reordering, or dropping any
// entry breaks every hash downstream of it. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/aurelia-ai/facet/internal/model"
)

// ChainSeed is the previous-hash input for the first snapshot of a
// (user, attribute) pair.
const ChainSeed = ""

// SnapshotHash produces a SHA-256 hex digest over the snapshot's canonical
// fields, chained on the previous snapshot's hash. Fields are encoded with
// a 4-byte big-endian length prefix to avoid delimiter collisions when
// freeform values contain separator characters.
func SnapshotHash(userID string, s model.Snapshot, prevHash string) string {
	h := sha256.New()
	writeField := func(str string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(str))) //nolint:gosec // field lengths are bounded by definition validation
		h.Write(lenBuf[:])
		h.Write([]byte(str))
	}
	writeField(prevHash)
	writeField(userID)
	writeField(s.AttributeID)
	writeField(string(s.Value.Kind()))
	writeField(s.Value.Display())
	writeField(s.Observer)
	if s.Blame != nil {
		writeField(string(s.Blame.Source))
		writeField(s.Blame.ID)
	} else {
		writeField("")
		writeField("")
	}
	writeField(s.RecordedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHistory recomputes the hash chain over an attribute history and
// reports the index of the first snapshot whose stored hash does not match,
// or -1 if the whole chain verifies. Histories must be ordered
// oldest-to-newest, as returned by the store.
func VerifyHistory(userID string, history []model.Snapshot) int {
	prev := ChainSeed
	for i, s := range history {
		if s.ContentHash != SnapshotHash(userID, s, prev) {
			return i
		}
		prev = s.ContentHash
	}
	return -1
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix is a domain separator for internal Merkle nodes (per RFC 6962) so
// internal hashes can never collide with leaf chain heads.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot builds a Merkle tree over leaf hashes and returns the root.
// Callers pass the chain-head hash of each of a user's attributes, sorted
// lexicographically for determinism. Empty input yields an empty root; a
// single leaf is its own root. Odd nodes hash with themselves for
// structural binding to their tree position.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
