package core

// types.go – primitive chain types shared by every subsystem: 32-byte hashes,
// 20-byte addresses, hex codecs and the big-endian block-number key used by
// the indices column family.

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash is an opaque 32-byte digest. The zero value is reserved as "absent".
type Hash [32]byte

// Address is an opaque 20-byte account identifier.
type Address [20]byte

// HashLength and AddressLength are the fixed wire sizes of the two types.
const (
	HashLength    = 32
	AddressLength = 20
)

//---------------------------------------------------------------------
// Hash
//---------------------------------------------------------------------

// HashFromSlice builds a Hash from a 32-byte slice. It panics on any other
// length: callers construct hashes from digests whose size is fixed.
func HashFromSlice(b []byte) Hash {
	if len(b) != HashLength {
		panic(fmt.Sprintf("hash from slice: need %d bytes, got %d", HashLength, len(b)))
	}
	var h Hash
	copy(h[:], b)
	return h
}

// HashFromHex parses a hex string (with or without 0x prefix) into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(b) != HashLength {
		return h, fmt.Errorf("hash hex: need %d bytes, got %d", HashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns the hash as a fresh byte slice.
func (h Hash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// Hex returns the bare hex encoding without 0x prefix.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return "0x" + h.Hex() }

// IsZero reports whether the hash is the reserved absent value.
func (h Hash) IsZero() bool { return h == Hash{} }

// Cmp orders hashes byte-lexicographically: -1, 0 or +1.
func (h Hash) Cmp(other Hash) int { return bytes.Compare(h[:], other[:]) }

//---------------------------------------------------------------------
// Address
//---------------------------------------------------------------------

// AddressFromSlice builds an Address from a 20-byte slice, panicking on any
// other length.
func AddressFromSlice(b []byte) Address {
	if len(b) != AddressLength {
		panic(fmt.Sprintf("address from slice: need %d bytes, got %d", AddressLength, len(b)))
	}
	var a Address
	copy(a[:], b)
	return a
}

// AddressFromHex parses a hex string (with or without 0x prefix) into an
// Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, fmt.Errorf("decode address hex: %w", err)
	}
	if len(b) != AddressLength {
		return a, fmt.Errorf("address hex: need %d bytes, got %d", AddressLength, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Bytes returns the address as a fresh byte slice.
func (a Address) Bytes() []byte { return append([]byte(nil), a[:]...) }

// Hex returns the bare hex encoding without 0x prefix.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

func (a Address) String() string { return "0x" + a.Hex() }

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a == Address{} }

//---------------------------------------------------------------------
// Block-number key codec (indices column family)
//---------------------------------------------------------------------

// BlockNumberKey encodes a block number as the big-endian 8-byte key used by
// the indices column family; big-endian keeps iteration in height order.
func BlockNumberKey(number uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, number)
	return key
}

// BlockNumberFromKey decodes an indices key back into a block number.
func BlockNumberFromKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("block number key: need 8 bytes, got %d", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
