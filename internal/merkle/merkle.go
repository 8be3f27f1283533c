// Package merkle builds Merkle roots over ordered evidence hashes and produces
// inclusion proofs that can be checked without access to the ledger.
//
// Leaves and interior nodes are lowercase hex digests. A parent is the
// SHA-256 of the concatenated hex strings of its children. When a level has an
// odd number of nodes the last node is paired with itself. At least one
// pairing round always runs, so a single leaf h yields Hash(h ‖ h).
package merkle

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
)

// EmptyMarker is hashed to produce the root of a block with no evidence.
const EmptyMarker = "empty"

// EmptyRoot is the root of an empty leaf set.
var EmptyRoot = hashing.HashString(EmptyMarker)

// ErrNotFound is returned when a proof is requested for a leaf that is not
// part of the tree.
var ErrNotFound = errors.New("merkle: leaf not found")

// Side says where the sibling sits relative to the running hash.
type Side string

const (
	Left  Side = "LEFT"
	Right Side = "RIGHT"
)

// ProofStep is one level of an inclusion proof.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Side    Side   `json:"side"`
}

// Proof is the ordered sibling path from a leaf up to the root.
type Proof []ProofStep

// parent hashes two child digests in order.
func parent(left, right string) string {
	return hashing.Concat(left, right)
}

// nextLevel pairs nodes left to right, duplicating the last one on odd counts.
func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, parent(left, right))
	}
	return next
}

// BuildRoot returns the Merkle root of leaves. Order matters.
func BuildRoot(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := nextLevel(leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// BuildProof returns the inclusion proof for leaves[index].
func BuildProof(leaves []string, index int) (Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("%w: index %d of %d leaves", ErrNotFound, index, len(leaves))
	}

	var proof Proof
	level := leaves
	idx := index
	for {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // odd tail pairs with itself
		}
		side := Right
		if idx%2 == 1 {
			side = Left
		}
		proof = append(proof, ProofStep{Sibling: level[sibling], Side: side})

		level = nextLevel(level)
		idx /= 2
		if len(level) == 1 {
			return proof, nil
		}
	}
}

// VerifyProof recomputes the root from leaf and proof and compares it with
// root. Any malformed input simply yields false.
func VerifyProof(leaf string, proof Proof, root string) bool {
	if !hashing.IsDigest(leaf) || !hashing.IsDigest(root) || len(proof) == 0 {
		return false
	}
	current := leaf
	for _, step := range proof {
		if !hashing.IsDigest(step.Sibling) {
			return false
		}
		switch step.Side {
		case Left:
			current = parent(step.Sibling, current)
		case Right:
			current = parent(current, step.Sibling)
		default:
			return false
		}
	}
	return current == root
}

// IndexOf returns the position of the first occurrence of leaf, or -1.
func IndexOf(leaves []string, leaf string) int {
	for i, l := range leaves {
		if l == leaf {
			return i
		}
	}
	return -1
}
