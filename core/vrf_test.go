package core

import "testing"

func TestSelectValidatorDeterministic(t *testing.T) {
	seed := VrfSeedFromBytes([32]byte{1, 1, 1, 1})
	selector := NewVrfSelector(seed, 5)

	first := selector.SelectValidator(100)
	for i := 0; i < 10; i++ {
		if selector.SelectValidator(100) != first {
			t.Fatal("selection not pure")
		}
	}
	if first < 0 || first >= 5 {
		t.Fatalf("index %d out of range", first)
	}
}

func TestSelectValidatorRange(t *testing.T) {
	seed := VrfSeedFromBytes([32]byte{42})
	selector := NewVrfSelector(seed, 3)
	for slot := uint64(0); slot < 1000; slot++ {
		idx := selector.SelectValidator(slot)
		if idx < 0 || idx >= 3 {
			t.Fatalf("slot %d elected %d", slot, idx)
		}
	}
}

func TestSelectValidatorEmptySetConvention(t *testing.T) {
	selector := NewVrfSelector(VrfSeed{}, 0)
	if selector.SelectValidator(7) != 0 {
		t.Fatal("empty set does not return 0")
	}
}

func TestSelectorSeedRotation(t *testing.T) {
	a := VrfSeedFromBytes([32]byte{1})
	b := VrfSeedFromBytes([32]byte{2})
	selector := NewVrfSelector(a, 100)

	before := make([]int, 50)
	for slot := range before {
		before[slot] = selector.SelectValidator(uint64(slot))
	}
	selector.UpdateSeed(b)
	if selector.CurrentSeed() != b {
		t.Fatal("seed not updated")
	}
	var moved bool
	for slot := range before {
		if selector.SelectValidator(uint64(slot)) != before[slot] {
			moved = true
			break
		}
	}
	if !moved {
		t.Fatal("rotation left the whole schedule unchanged")
	}
}

func TestVrfSignVerify(t *testing.T) {
	kp, err := GenerateVrfKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	message := []byte("test message")
	proof := kp.Sign(message)

	if !kp.Public().Verify(message, proof) {
		t.Fatal("valid proof rejected")
	}

	tampered := proof
	tampered.Output[0] ^= 0xff
	if kp.Public().Verify(message, tampered) {
		t.Fatal("tampered proof accepted")
	}
}

func TestVrfDeterministicFromSeed(t *testing.T) {
	seed := [32]byte{42}
	kp1 := VrfKeypairFromSeed(seed)
	kp2 := VrfKeypairFromSeed(seed)

	p1 := kp1.Sign([]byte("test"))
	p2 := kp2.Sign([]byte("test"))
	if p1 != p2 {
		t.Fatal("same seed produced different proofs")
	}
	if kp1.Public().Bytes() != kp2.Public().Bytes() {
		t.Fatal("same seed produced different public keys")
	}
}

func TestVerifyVrfSelection(t *testing.T) {
	seed := VrfSeedFromBytes([32]byte{7})
	kp := VrfKeypairFromSeed([32]byte{9})
	slot := uint64(12)
	proof := kp.Sign(VrfInput(seed, slot))

	expected := NewVrfSelector(seed, 4).SelectValidator(slot)
	if !VerifyVrfSelection(seed, slot, expected, 4, proof, kp.Public()) {
		t.Fatal("honest selection rejected")
	}
	if VerifyVrfSelection(seed, slot, (expected+1)%4, 4, proof, kp.Public()) {
		t.Fatal("wrong validator accepted")
	}
}
