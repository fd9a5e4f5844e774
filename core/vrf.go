package core

// vrf.go – deterministic validator rotation. The selector that drives slot
// scheduling only needs the shared epoch seed; the keypair construction below
// additionally yields a per-validator (proof, output) pair that peers can
// re-derive for audit.

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// VrfSeed is the 32-byte epoch randomness shared by the authority set.
type VrfSeed [32]byte

// RandomVrfSeed draws a fresh seed from the system entropy pool.
func RandomVrfSeed() (VrfSeed, error) {
	var seed VrfSeed
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("%w: %v", ErrVrf, err)
	}
	return seed, nil
}

// VrfSeedFromBytes wraps a fixed byte array.
func VrfSeedFromBytes(b [32]byte) VrfSeed { return VrfSeed(b) }

// Bytes returns the seed contents.
func (s VrfSeed) Bytes() []byte { return append([]byte(nil), s[:]...) }

//---------------------------------------------------------------------
// Selector
//---------------------------------------------------------------------

// VrfSelector maps (seed, slot) to a validator index, stable within an epoch.
type VrfSelector struct {
	seed           VrfSeed
	validatorCount int
}

// NewVrfSelector builds a selector over the given seed and set size.
func NewVrfSelector(seed VrfSeed, validatorCount int) *VrfSelector {
	return &VrfSelector{seed: seed, validatorCount: validatorCount}
}

// SelectValidator returns the proposer index for a slot: the low eight bytes
// of blake3(seed ‖ slot_le) reduced modulo the validator count. An empty set
// returns 0 by convention; configuration validation rejects empty sets before
// a selector is ever built over one.
func (v *VrfSelector) SelectValidator(slot uint64) int {
	if v.validatorCount == 0 {
		return 0
	}
	hasher := blake3.New(32, nil)
	hasher.Write(v.seed[:])
	var slotBytes [8]byte
	binary.LittleEndian.PutUint64(slotBytes[:], slot)
	hasher.Write(slotBytes[:])
	digest := hasher.Sum(nil)
	index := binary.LittleEndian.Uint64(digest[:8])
	return int(index % uint64(v.validatorCount))
}

// UpdateSeed installs the next epoch's randomness.
func (v *VrfSelector) UpdateSeed(seed VrfSeed) { v.seed = seed }

// CurrentSeed returns the active seed.
func (v *VrfSelector) CurrentSeed() VrfSeed { return v.seed }

// VrfInput is the canonical message a validator signs for a slot.
func VrfInput(seed VrfSeed, slot uint64) []byte {
	input := make([]byte, 40)
	copy(input[:32], seed[:])
	binary.LittleEndian.PutUint64(input[32:], slot)
	return input
}

//---------------------------------------------------------------------
// Keypair construction
//---------------------------------------------------------------------

// VrfProof is the audit trail of one slot signature: re-deriving the output
// from the proof must reproduce it exactly.
type VrfProof struct {
	Proof  [32]byte `json:"proof"`
	Output [32]byte `json:"output"`
}

// VrfKeypair is a hash-based deterministic signer. The chain treats both the
// proof and the output as opaque 32-byte digests.
type VrfKeypair struct {
	secret [32]byte
	public [32]byte
}

// GenerateVrfKeypair draws a random keypair.
func GenerateVrfKeypair() (*VrfKeypair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVrf, err)
	}
	return VrfKeypairFromSeed(secret), nil
}

// VrfKeypairFromSeed derives a keypair deterministically from a seed.
func VrfKeypairFromSeed(seed [32]byte) *VrfKeypair {
	kp := &VrfKeypair{secret: seed}
	kp.public = blake3.Sum256(seed[:])
	return kp
}

// Public returns the verification key.
func (kp *VrfKeypair) Public() VrfPublicKey { return VrfPublicKey{key: kp.public} }

// Sign produces the (proof, output) pair for a message.
func (kp *VrfKeypair) Sign(message []byte) VrfProof {
	hasher := blake3.New(32, nil)
	hasher.Write(kp.secret[:])
	hasher.Write(message)
	var proof VrfProof
	copy(proof.Proof[:], hasher.Sum(nil))

	hasher = blake3.New(32, nil)
	hasher.Write(proof.Proof[:])
	hasher.Write(kp.public[:])
	copy(proof.Output[:], hasher.Sum(nil))
	return proof
}

// VrfPublicKey verifies proofs issued by the matching keypair.
type VrfPublicKey struct {
	key [32]byte
}

// VrfPublicKeyFromBytes wraps a serialized key.
func VrfPublicKeyFromBytes(b [32]byte) VrfPublicKey { return VrfPublicKey{key: b} }

// Bytes serialises the key.
func (pk VrfPublicKey) Bytes() [32]byte { return pk.key }

// Verify re-derives the output from the proof and compares.
func (pk VrfPublicKey) Verify(message []byte, proof VrfProof) bool {
	hasher := blake3.New(32, nil)
	hasher.Write(proof.Proof[:])
	hasher.Write(pk.key[:])
	expected := hasher.Sum(nil)
	var out [32]byte
	copy(out[:], expected)
	return out == proof.Output
}

// VerifyVrfSelection checks both that the proof verifies for the slot input
// and that the selection function elects the expected validator.
func VerifyVrfSelection(seed VrfSeed, slot uint64, expectedValidator, validatorCount int, proof VrfProof, pub VrfPublicKey) bool {
	if !pub.Verify(VrfInput(seed, slot), proof) {
		return false
	}
	selector := NewVrfSelector(seed, validatorCount)
	return selector.SelectValidator(slot) == expectedValidator
}
