package core

// authority.go – the validator set authorized to produce blocks for an epoch,
// and the JSON configuration it is loaded from. Indices into the set are
// stable within an epoch and are how the VRF selector names validators.

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Validator is one authority-set member.
type Validator struct {
	Address Address `json:"address"`
	Weight  uint64  `json:"weight"`
}

// AuthoritySet is the ordered validator list for an epoch.
type AuthoritySet struct {
	Validators []Validator `json:"validators"`
	Epoch      uint64      `json:"epoch"`
	SetID      uint64      `json:"set_id"`
}

// NewAuthoritySet wraps a validator list for the given epoch.
func NewAuthoritySet(validators []Validator, epoch uint64) *AuthoritySet {
	return &AuthoritySet{Validators: validators, Epoch: epoch}
}

// GetValidator returns the validator at index, or nil when out of range.
func (s *AuthoritySet) GetValidator(index int) *Validator {
	if index < 0 || index >= len(s.Validators) {
		return nil
	}
	return &s.Validators[index]
}

// GetValidatorIndex resolves an address to its stable index; -1 when absent.
func (s *AuthoritySet) GetValidatorIndex(addr Address) int {
	for i, v := range s.Validators {
		if v.Address == addr {
			return i
		}
	}
	return -1
}

// Len returns the number of validators.
func (s *AuthoritySet) Len() int { return len(s.Validators) }

// IsEmpty reports an empty set.
func (s *AuthoritySet) IsEmpty() bool { return len(s.Validators) == 0 }

// TotalWeight sums the voting power.
func (s *AuthoritySet) TotalWeight() uint64 {
	var total uint64
	for _, v := range s.Validators {
		total += v.Weight
	}
	return total
}

//---------------------------------------------------------------------
// Configuration
//---------------------------------------------------------------------

// AuthorityConfig is one configured authority entry: 0x-prefixed 40-char hex
// address and a positive weight.
type AuthorityConfig struct {
	Address string `json:"address"`
	Weight  uint64 `json:"weight"`
}

// PoAConfig is the JSON consensus configuration.
type PoAConfig struct {
	SlotDuration uint64            `json:"slot_duration"` // seconds
	Authorities  []AuthorityConfig `json:"authorities"`
	VrfSeed      hexSeed           `json:"vrf_seed"`
	EpochLength  uint64            `json:"epoch_length"` // slots
}

// hexSeed round-trips the 32-byte VRF seed through 64-char hex JSON.
type hexSeed [32]byte

func (s hexSeed) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s[:]))
}

func (s *hexSeed) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(text, "0x"))
	if err != nil {
		return fmt.Errorf("%w: vrf seed: %v", ErrConsensusConfig, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: vrf seed must be 32 bytes, got %d", ErrConsensusConfig, len(raw))
	}
	copy(s[:], raw)
	return nil
}

// DefaultPoAConfig returns a three-second slot cadence with no authorities;
// callers must fill the set before Validate passes.
func DefaultPoAConfig() PoAConfig {
	return PoAConfig{SlotDuration: 3, EpochLength: 100}
}

// LoadPoAConfig reads and validates a configuration file.
func LoadPoAConfig(path string) (PoAConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PoAConfig{}, fmt.Errorf("%w: read %s: %v", ErrConsensusConfig, path, err)
	}
	var cfg PoAConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return PoAConfig{}, fmt.Errorf("%w: parse %s: %v", ErrConsensusConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return PoAConfig{}, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c PoAConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrConsensusConfig, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConsensusConfig, path, err)
	}
	return nil
}

// Validate enforces the configuration invariants: nonzero slot duration and
// epoch length, a non-empty set, well-formed addresses, positive weights.
func (c PoAConfig) Validate() error {
	if c.SlotDuration == 0 {
		return fmt.Errorf("%w: slot duration must be greater than 0", ErrConsensusConfig)
	}
	if c.EpochLength == 0 {
		return fmt.Errorf("%w: epoch length must be greater than 0", ErrConsensusConfig)
	}
	if len(c.Authorities) == 0 {
		return fmt.Errorf("%w: at least one authority is required", ErrConsensusConfig)
	}
	seen := make(map[string]struct{}, len(c.Authorities))
	for i, auth := range c.Authorities {
		if len(auth.Address) != 42 || !strings.HasPrefix(auth.Address, "0x") {
			return fmt.Errorf("%w: authority %d address %q is malformed", ErrConsensusConfig, i, auth.Address)
		}
		if _, err := AddressFromHex(auth.Address); err != nil {
			return fmt.Errorf("%w: authority %d: %v", ErrConsensusConfig, i, err)
		}
		if auth.Weight == 0 {
			return fmt.Errorf("%w: authority %d weight must be greater than 0", ErrConsensusConfig, i)
		}
		lower := strings.ToLower(auth.Address)
		if _, dup := seen[lower]; dup {
			return fmt.Errorf("%w: authority %d address %s appears twice", ErrConsensusConfig, i, auth.Address)
		}
		seen[lower] = struct{}{}
	}
	return nil
}

// ToAuthoritySet materialises the configured authorities for an epoch.
func (c PoAConfig) ToAuthoritySet(epoch uint64) (*AuthoritySet, error) {
	validators := make([]Validator, 0, len(c.Authorities))
	for i, auth := range c.Authorities {
		addr, err := AddressFromHex(auth.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: authority %d: %v", ErrConsensusConfig, i, err)
		}
		validators = append(validators, Validator{Address: addr, Weight: auth.Weight})
	}
	return NewAuthoritySet(validators, epoch), nil
}

// SlotDurationAsDuration converts the configured seconds.
func (c PoAConfig) SlotDurationAsDuration() time.Duration {
	return time.Duration(c.SlotDuration) * time.Second
}

// Seed returns the configured VRF seed.
func (c PoAConfig) Seed() VrfSeed { return VrfSeed(c.VrfSeed) }
