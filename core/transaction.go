package core

// transaction.go – signed value-transfer records. Hashing is Keccak-256 over
// the deterministic RLP encoding; signatures are recoverable secp256k1 so the
// sender address never travels on the wire.

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Signature is a recoverable ECDSA signature: r ‖ s ‖ v where v is the
// recovery id (0 or 1).
type Signature struct {
	R [32]byte `json:"r"`
	S [32]byte `json:"s"`
	V byte     `json:"v"`
}

// NewSignature assembles a signature from its components.
func NewSignature(r, s [32]byte, v byte) *Signature {
	return &Signature{R: r, S: s, V: v}
}

// SignatureFromBytes parses a 65-byte r‖s‖v blob.
func SignatureFromBytes(b []byte) (*Signature, error) {
	if len(b) != 65 {
		return nil, ErrInvalidSignature
	}
	sig := &Signature{V: b[64]}
	copy(sig.R[:], b[0:32])
	copy(sig.S[:], b[32:64])
	return sig, nil
}

// Bytes serialises the signature as the 65-byte r‖s‖v form consumed by the
// recovery routine.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// Transaction is a signed value transfer. A nil To marks contract creation,
// which the executor rejects until contract execution ships.
type Transaction struct {
	Nonce    uint64       `json:"nonce"`
	GasPrice *uint256.Int `json:"gas_price"`
	GasLimit uint64       `json:"gas_limit"`
	To       *Address     `json:"to" rlp:"nil"`
	Value    *uint256.Int `json:"value"`
	Data     []byte       `json:"data"`
	Sig      *Signature   `json:"sig,omitempty" rlp:"nil"`
}

// txForSigning is the signature pre-image: every field except the signature.
type txForSigning struct {
	Nonce    uint64
	GasPrice *uint256.Int
	GasLimit uint64
	To       *Address `rlp:"nil"`
	Value    *uint256.Int
	Data     []byte
}

// NewTransaction builds an unsigned transaction.
func NewTransaction(nonce uint64, gasPrice *uint256.Int, gasLimit uint64, to *Address, value *uint256.Int, data []byte) *Transaction {
	if gasPrice == nil {
		gasPrice = uint256.NewInt(0)
	}
	if value == nil {
		value = uint256.NewInt(0)
	}
	return &Transaction{
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	}
}

// NewTransfer builds a plain value transfer with empty data.
func NewTransfer(nonce uint64, to Address, value *uint256.Int, gasPrice *uint256.Int, gasLimit uint64) *Transaction {
	return NewTransaction(nonce, gasPrice, gasLimit, &to, value, nil)
}

// NewContractCreation builds a creation transaction (To absent). The executor
// rejects these deterministically; the shape is reserved for the VM rollout.
func NewContractCreation(nonce uint64, value *uint256.Int, gasPrice *uint256.Int, gasLimit uint64, code []byte) *Transaction {
	return NewTransaction(nonce, gasPrice, gasLimit, nil, value, code)
}

// IsContractCreation reports whether the recipient is absent.
func (tx *Transaction) IsContractCreation() bool { return tx.To == nil }

// EncodeForSigning returns the deterministic encoding of the transaction
// without its signature.
func (tx *Transaction) EncodeForSigning() ([]byte, error) {
	enc, err := rlp.EncodeToBytes(&txForSigning{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		GasLimit: tx.GasLimit,
		To:       tx.To,
		Value:    tx.Value,
		Data:     tx.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tx for signing: %w", err)
	}
	return enc, nil
}

// SigningHash is the Keccak-256 digest the signature commits to.
func (tx *Transaction) SigningHash() (Hash, error) {
	enc, err := tx.EncodeForSigning()
	if err != nil {
		return Hash{}, err
	}
	return HashFromSlice(crypto.Keccak256(enc)), nil
}

// HashTx returns the Keccak-256 digest of the full transaction including the
// signature.
func (tx *Transaction) HashTx() (Hash, error) {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return Hash{}, fmt.Errorf("encode tx: %w", err)
	}
	return HashFromSlice(crypto.Keccak256(enc)), nil
}

// Sign attaches a recoverable signature over the signing hash.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return fmt.Errorf("sign tx: %w", ErrInvalidSignature)
	}
	h, err := tx.SigningHash()
	if err != nil {
		return err
	}
	raw, err := crypto.Sign(h[:], priv)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		return err
	}
	tx.Sig = sig
	return nil
}

// Sender recovers the signer's address from the signature.
func (tx *Transaction) Sender() (Address, error) {
	if tx.Sig == nil {
		return Address{}, ErrInvalidSignature
	}
	h, err := tx.SigningHash()
	if err != nil {
		return Address{}, err
	}
	pub, err := crypto.SigToPub(h[:], tx.Sig.Bytes())
	if err != nil {
		return Address{}, fmt.Errorf("recover sender: %w", ErrInvalidSignature)
	}
	return PubkeyToAddress(pub), nil
}

// VerifySig succeeds iff the signature recovers to a valid public key.
func (tx *Transaction) VerifySig() error {
	_, err := tx.Sender()
	return err
}

// PubkeyToAddress derives the account address: the low 20 bytes of the
// Keccak-256 digest of the uncompressed 64-byte public key.
func PubkeyToAddress(pub *ecdsa.PublicKey) Address {
	raw := crypto.FromECDSAPub(pub) // 0x04 ‖ X ‖ Y
	digest := crypto.Keccak256(raw[1:])
	return AddressFromSlice(digest[12:])
}
