package core

// poa.go – the slot-driven Proof-of-Authority engine. The driver loop calls
// Step on a wall-clock cadence; the engine decides whether the local node
// proposes, watches for skipped slots, and verifies inbound headers against
// the slot grid. The authority set hot-swaps between slots without restarting
// the driver.

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PoAState is the engine's position in the propose/verify cycle.
type PoAState uint8

const (
	// StateWaiting – idle until the local node's slot arrives.
	StateWaiting PoAState = iota
	// StateProposing – a proposal has been handed to the driver.
	StateProposing
	// StateValidating – verifying a proposal from a peer.
	StateValidating
)

func (s PoAState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateProposing:
		return "proposing"
	case StateValidating:
		return "validating"
	}
	return "unknown"
}

// StepContext carries the chain tip the driver wants the next block built on.
type StepContext struct {
	BlockNumber    uint64
	ParentHash     Hash
	Timestamp      uint64
	ValidatorIndex int // -1 when the local node is not a validator
}

// StepResultKind discriminates the driver instruction returned by Step.
type StepResultKind uint8

const (
	// StepContinue – keep waiting, re-step after Timeout.
	StepContinue StepResultKind = iota
	// StepPropose – assemble and execute a block from Header.
	StepPropose
	// StepWait – proposal window closed, wait for the next slot.
	StepWait
)

// StepResult tells the driver what to do until the next step.
type StepResult struct {
	Kind    StepResultKind
	Header  *BlockHeader // populated for StepPropose
	Timeout time.Duration
}

// ConsensusEventType tags events emitted to the driver.
type ConsensusEventType uint8

const (
	EventSlotStarted ConsensusEventType = iota
	EventShouldPropose
	EventBlockReceived
	EventSlashingDetected
)

// ConsensusEvent is the engine's notification stream payload.
type ConsensusEvent struct {
	Type      ConsensusEventType
	Slot      uint64
	Validator *int // set on SlotStarted when the local node proposes
	Header    *BlockHeader
	Offence   *SlashingOffence
}

// defaultMaxMissedSlots is the liveness threshold before offline evidence.
const defaultMaxMissedSlots = 10

// PoAEngine drives block production and validation on the slot grid.
type PoAEngine struct {
	mu sync.RWMutex

	config           PoAConfig
	authoritySet     *AuthoritySet
	vrfSelector      *VrfSelector
	state            PoAState
	currentSlot      uint64
	slashingDetector *SlashingDetector

	localAddress        *Address
	localValidatorIndex int // -1 when not a validator

	genesisTimestamp uint64
	events           chan<- ConsensusEvent

	now func() uint64 // injectable clock, unix seconds
}

// NewPoAEngine validates the configuration and builds an engine. The local
// validator address is optional; observers pass nil.
func NewPoAEngine(config PoAConfig, localAddress *Address, genesisTimestamp uint64) (*PoAEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	authoritySet, err := config.ToAuthoritySet(0)
	if err != nil {
		return nil, err
	}

	engine := &PoAEngine{
		config:              config,
		authoritySet:        authoritySet,
		vrfSelector:         NewVrfSelector(config.Seed(), authoritySet.Len()),
		state:               StateWaiting,
		slashingDetector:    NewSlashingDetector(defaultMaxMissedSlots),
		localAddress:        localAddress,
		localValidatorIndex: -1,
		genesisTimestamp:    genesisTimestamp,
		now:                 func() uint64 { return uint64(time.Now().Unix()) },
	}
	if localAddress != nil {
		engine.localValidatorIndex = authoritySet.GetValidatorIndex(*localAddress)
	}
	if engine.localValidatorIndex >= 0 {
		logrus.Infof("local node is validator #%d", engine.localValidatorIndex)
	} else {
		logrus.Info("local node is not a validator")
	}
	return engine, nil
}

// SetEventSink installs the channel consensus events are delivered on.
func (e *PoAEngine) SetEventSink(events chan<- ConsensusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = events
}

func (e *PoAEngine) sendEvent(event ConsensusEvent) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- event:
	default:
		logrus.WithField("type", event.Type).Warn("consensus event dropped: sink full")
	}
}

// CurrentSlotFromTimestamp maps a unix-seconds timestamp onto the slot grid.
// Timestamps before genesis map to slot 0.
func (e *PoAEngine) CurrentSlotFromTimestamp(timestamp uint64) uint64 {
	if timestamp < e.genesisTimestamp {
		return 0
	}
	return (timestamp - e.genesisTimestamp) / e.config.SlotDuration
}

// SlotTimestamp is the unix-seconds start of a slot.
func (e *PoAEngine) SlotTimestamp(slot uint64) uint64 {
	return e.genesisTimestamp + slot*e.config.SlotDuration
}

// IsProposerForSlot reports whether the local node is elected for the slot.
func (e *PoAEngine) IsProposerForSlot(slot uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isProposerForSlotLocked(slot)
}

func (e *PoAEngine) isProposerForSlotLocked(slot uint64) bool {
	if e.localValidatorIndex < 0 {
		return false
	}
	return e.vrfSelector.SelectValidator(slot) == e.localValidatorIndex
}

// GetProposerForSlot returns the elected validator index for a slot.
func (e *PoAEngine) GetProposerForSlot(slot uint64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vrfSelector.SelectValidator(slot)
}

// ExpectedProposer is GetProposerForSlot under the Engine naming used by the
// sync and gossip planes.
func (e *PoAEngine) ExpectedProposer(slot uint64) int {
	return e.GetProposerForSlot(slot)
}

// CurrentRound returns the last slot Step advanced to.
func (e *PoAEngine) CurrentRound() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentSlot
}

// LocalValidatorIndex returns the local index, or -1.
func (e *PoAEngine) LocalValidatorIndex() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.localValidatorIndex
}

// AuthoritySetSnapshot returns a copy of the active set.
func (e *PoAEngine) AuthoritySetSnapshot() AuthoritySet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := AuthoritySet{
		Validators: append([]Validator(nil), e.authoritySet.Validators...),
		Epoch:      e.authoritySet.Epoch,
		SetID:      e.authoritySet.SetID,
	}
	return set
}

// ShouldPropose reports whether the engine would return a proposal right now.
func (e *PoAEngine) ShouldPropose(ctx StepContext) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.localValidatorIndex < 0 || e.state != StateWaiting {
		return false
	}
	return e.isProposerForSlotLocked(e.CurrentSlotFromTimestamp(e.now()))
}

// Step advances the engine to the wall-clock slot, sweeps skipped slots for
// liveness accounting, and either emits a proposal or arms the next timeout.
func (e *PoAEngine) Step(ctx StepContext) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	slot := e.CurrentSlotFromTimestamp(now)

	if slot > e.currentSlot {
		// Every slot that elapsed entirely between steps went unobserved:
		// charge its expected proposer with a miss.
		for missed := e.currentSlot + 1; missed < slot; missed++ {
			expected := e.vrfSelector.SelectValidator(missed)
			if offence := e.slashingDetector.RecordMissedSlot(expected); offence != nil {
				logrus.Warnf("validator %d exceeded missed-slot threshold", expected)
				e.sendEvent(ConsensusEvent{Type: EventSlashingDetected, Slot: missed, Offence: offence})
			}
		}
		e.currentSlot = slot
		logrus.Debugf("advanced to slot %d", slot)

		event := ConsensusEvent{Type: EventSlotStarted, Slot: slot}
		if e.isProposerForSlotLocked(slot) && e.localValidatorIndex >= 0 {
			idx := e.localValidatorIndex
			event.Validator = &idx
		}
		e.sendEvent(event)
	}

	if e.localValidatorIndex >= 0 && e.state == StateWaiting && e.isProposerForSlotLocked(slot) {
		e.state = StateProposing
		e.sendEvent(ConsensusEvent{Type: EventShouldPropose, Slot: slot})

		header := &BlockHeader{
			ParentHash: ctx.ParentHash,
			Number:     ctx.BlockNumber,
			Difficulty: 1,
			Timestamp:  now,
			Nonce:      slot,
			GasLimit:   DefaultBlockGasLimit,
		}
		return StepResult{
			Kind:    StepPropose,
			Header:  header,
			Timeout: e.config.SlotDurationAsDuration(),
		}, nil
	}

	nextSlotTime := e.SlotTimestamp(slot + 1)
	waitSecs := uint64(1)
	if nextSlotTime > now {
		waitSecs = nextSlotTime - now
	}
	timeout := time.Duration(waitSecs) * time.Second

	if e.state == StateProposing {
		e.state = StateWaiting
		return StepResult{Kind: StepWait, Timeout: timeout}, nil
	}
	return StepResult{Kind: StepContinue, Timeout: timeout}, nil
}

// VerifyBlock checks a header against the slot grid: not from the future, not
// before genesis, and within half a slot of its slot's start.
func (e *PoAEngine) VerifyBlock(header *BlockHeader) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.verifyBlockLocked(header)
}

func (e *PoAEngine) verifyBlockLocked(header *BlockHeader) error {
	now := e.now()

	if header.Timestamp > now+e.config.SlotDuration {
		return &TimestampError{Expected: now, Actual: header.Timestamp}
	}
	if header.Timestamp < e.genesisTimestamp {
		return &TimestampError{Expected: e.genesisTimestamp, Actual: header.Timestamp}
	}

	slot := e.CurrentSlotFromTimestamp(header.Timestamp)
	expected := e.SlotTimestamp(slot)
	tolerance := e.config.SlotDuration / 2

	lower := uint64(0)
	if expected > tolerance {
		lower = expected - tolerance
	}
	if header.Timestamp < lower || header.Timestamp > expected+tolerance {
		return &TimestampError{Expected: expected, Actual: header.Timestamp}
	}

	// Only the timestamp is checked: headers carry no VRF proof, and neither
	// the proposer's identity nor extra_data is verified here.
	return nil
}

// ProcessBlock verifies an inbound header, records the proposer signature for
// slashing detection, and emits BlockReceived.
func (e *PoAEngine) ProcessBlock(header BlockHeader) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.verifyBlockLocked(&header); err != nil {
		return err
	}

	slot := e.CurrentSlotFromTimestamp(header.Timestamp)
	proposer := e.vrfSelector.SelectValidator(slot)

	offence, err := e.slashingDetector.RecordSignature(proposer, header)
	if err != nil {
		return err
	}
	if offence != nil {
		e.sendEvent(ConsensusEvent{Type: EventSlashingDetected, Slot: slot, Offence: offence})
	}
	e.slashingDetector.ResetMissedSlots(proposer)

	e.sendEvent(ConsensusEvent{Type: EventBlockReceived, Slot: slot, Header: &header})
	return nil
}

// UpdateAuthorities hot-swaps the authority set: the new configuration is
// validated, the VRF selector rebuilt over the new seed and count, the local
// index re-resolved, and the epoch incremented — all without restarting the
// driver loop.
func (e *PoAEngine) UpdateAuthorities(newConfig PoAConfig) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	newSet, err := newConfig.ToAuthoritySet(e.authoritySet.Epoch + 1)
	if err != nil {
		return err
	}
	newSet.SetID = e.authoritySet.SetID + 1

	e.vrfSelector = NewVrfSelector(newConfig.Seed(), newSet.Len())
	if e.localAddress != nil {
		e.localValidatorIndex = newSet.GetValidatorIndex(*e.localAddress)
	} else {
		e.localValidatorIndex = -1
	}
	e.authoritySet = newSet
	e.config = newConfig

	logrus.Infof("authority set rotated to epoch %d (%d validators)", newSet.Epoch, newSet.Len())
	return nil
}

// VerifyProposerIndex checks that a claimed proposer index matches the VRF
// election for the slot.
func (e *PoAEngine) VerifyProposerIndex(slot uint64, claimed int) error {
	if expected := e.GetProposerForSlot(slot); expected != claimed {
		return fmt.Errorf("%w: slot %d expects validator %d, got %d", ErrNotAuthorized, slot, expected, claimed)
	}
	return nil
}
