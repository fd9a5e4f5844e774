package core

// slashing.go – detection of provable validator misbehaviour: two distinct
// headers signed at one height, or a run of missed slots crossing the
// liveness threshold. Evidence is emitted as events, never as errors.

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DoubleSignEvidence packages two conflicting headers signed by the same
// validator at the same height.
type DoubleSignEvidence struct {
	ValidatorIndex int         `json:"validator_index"`
	Header1        BlockHeader `json:"header1"`
	Header2        BlockHeader `json:"header2"`
	DetectedAt     uint64      `json:"detected_at"`
}

// SlashingOffence is either double signing or prolonged offline behaviour.
type SlashingOffence struct {
	DoubleSign *DoubleSignEvidence `json:"double_sign,omitempty"`
	Offline    *OfflineEvidence    `json:"offline,omitempty"`
}

// OfflineEvidence records a validator whose consecutive missed slots crossed
// the threshold.
type OfflineEvidence struct {
	ValidatorIndex int    `json:"validator_index"`
	MissedSlots    uint64 `json:"missed_slots"`
}

type signedKey struct {
	validatorIndex int
	blockNumber    uint64
}

// SlashingDetector tracks per-validator signatures and missed slots.
type SlashingDetector struct {
	signedBlocks   map[signedKey]BlockHeader
	missedSlots    map[int]uint64
	maxMissedSlots uint64
}

// NewSlashingDetector returns a detector with the given liveness threshold.
func NewSlashingDetector(maxMissedSlots uint64) *SlashingDetector {
	return &SlashingDetector{
		signedBlocks:   make(map[signedKey]BlockHeader),
		missedSlots:    make(map[int]uint64),
		maxMissedSlots: maxMissedSlots,
	}
}

// RecordSignature registers a signed header. If the validator already signed
// a different header at the same height, double-sign evidence is returned on
// this call; re-recording the identical header is benign.
func (d *SlashingDetector) RecordSignature(validatorIndex int, header BlockHeader) (*SlashingOffence, error) {
	key := signedKey{validatorIndex: validatorIndex, blockNumber: header.Number}
	if existing, ok := d.signedBlocks[key]; ok {
		existingHash, err := existing.HashHeader()
		if err != nil {
			return nil, err
		}
		newHash, err := header.HashHeader()
		if err != nil {
			return nil, err
		}
		if existingHash != newHash {
			logrus.WithFields(logrus.Fields{
				"validator": validatorIndex,
				"number":    header.Number,
			}).Warn("double signing detected")
			return &SlashingOffence{DoubleSign: &DoubleSignEvidence{
				ValidatorIndex: validatorIndex,
				Header1:        existing,
				Header2:        header,
				DetectedAt:     uint64(time.Now().Unix()),
			}}, nil
		}
		return nil, nil
	}
	d.signedBlocks[key] = header
	return nil, nil
}

// RecordMissedSlot bumps the validator's consecutive miss counter and returns
// offline evidence once it reaches the threshold.
func (d *SlashingDetector) RecordMissedSlot(validatorIndex int) *SlashingOffence {
	d.missedSlots[validatorIndex]++
	missed := d.missedSlots[validatorIndex]
	if missed >= d.maxMissedSlots {
		return &SlashingOffence{Offline: &OfflineEvidence{
			ValidatorIndex: validatorIndex,
			MissedSlots:    missed,
		}}
	}
	return nil
}

// ResetMissedSlots clears the miss counter; called on any valid signature.
func (d *SlashingDetector) ResetMissedSlots(validatorIndex int) {
	delete(d.missedSlots, validatorIndex)
}

// GetMissedSlots returns the current consecutive miss count.
func (d *SlashingDetector) GetMissedSlots(validatorIndex int) uint64 {
	return d.missedSlots[validatorIndex]
}

// CleanupOldRecords retains only signature records newer than
// current − keep so the table stays bounded.
func (d *SlashingDetector) CleanupOldRecords(currentBlock, keepBlocks uint64) {
	cutoff := uint64(0)
	if currentBlock > keepBlocks {
		cutoff = currentBlock - keepBlocks
	}
	for key := range d.signedBlocks {
		if key.blockNumber <= cutoff {
			delete(d.signedBlocks, key)
		}
	}
}

// DetectDoubleSign scans a header batch for two distinct headers at one
// height, e.g. when auditing evidence shipped by a peer.
func DetectDoubleSign(headers []BlockHeader, validatorIndex int) (*DoubleSignEvidence, error) {
	byHeight := make(map[uint64][]BlockHeader)
	for _, header := range headers {
		byHeight[header.Number] = append(byHeight[header.Number], header)
	}
	for _, group := range byHeight {
		if len(group) < 2 {
			continue
		}
		hash1, err := group[0].HashHeader()
		if err != nil {
			return nil, err
		}
		hash2, err := group[1].HashHeader()
		if err != nil {
			return nil, err
		}
		if hash1 != hash2 {
			return &DoubleSignEvidence{
				ValidatorIndex: validatorIndex,
				Header1:        group[0],
				Header2:        group[1],
				DetectedAt:     uint64(time.Now().Unix()),
			}, nil
		}
	}
	return nil, nil
}
