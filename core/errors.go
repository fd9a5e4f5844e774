package core

// errors.go – error kinds shared across the chain subsystems. Deterministic
// per-transaction failures are reported through ExecutionResult and never
// abort block processing; the sentinels here cover everything else.

import (
	"errors"
	"fmt"
)

//---------------------------------------------------------------------
// Consensus
//---------------------------------------------------------------------

var (
	ErrInvalidBlock     = errors.New("invalid block")
	ErrInvalidValidator = errors.New("invalid validator")
	ErrVrf              = errors.New("vrf error")
	ErrNotAuthorized    = errors.New("not authorized for slot")
	ErrConsensusConfig  = errors.New("consensus config error")
	ErrAuthoritySet     = errors.New("authority set error")
)

// TimestampError reports a header timestamp outside the accepted window.
type TimestampError struct {
	Expected uint64
	Actual   uint64
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("invalid timestamp: expected %d, actual %d", e.Expected, e.Actual)
}

// DoubleSigningError flags a validator caught signing twice at one height.
type DoubleSigningError struct {
	ValidatorIndex int
}

func (e *DoubleSigningError) Error() string {
	return fmt.Sprintf("double signing by validator %d", e.ValidatorIndex)
}

//---------------------------------------------------------------------
// VM / executor
//---------------------------------------------------------------------

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrAccountNotFound    = errors.New("account not found")
	ErrState              = errors.New("state error")
	ErrContractExecution  = errors.New("contract execution not yet implemented")
	ErrBalanceOverflow    = errors.New("balance overflow")
)

// OutOfGasError reports a gas demand the meter cannot satisfy.
type OutOfGasError struct {
	Required  uint64
	Available uint64
}

func (e *OutOfGasError) Error() string {
	return fmt.Sprintf("out of gas: required %d, available %d", e.Required, e.Available)
}

// InsufficientBalanceError reports a debit exceeding the account balance.
type InsufficientBalanceError struct {
	Required  string
	Available string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", e.Required, e.Available)
}

// InvalidNonceError reports a transaction nonce out of sequence.
type InvalidNonceError struct {
	Expected uint64
	Actual   uint64
}

func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf("invalid nonce: expected %d, actual %d", e.Expected, e.Actual)
}

//---------------------------------------------------------------------
// KV database
//---------------------------------------------------------------------

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrInvalidData   = errors.New("invalid data")
	ErrTxClosed      = errors.New("transaction already closed")
	ErrSnapshot      = errors.New("snapshot error")
	ErrDbConfig      = errors.New("database config error")
	ErrUnknownColumn = errors.New("unknown column family")
)

//---------------------------------------------------------------------
// Network
//---------------------------------------------------------------------

var (
	ErrTransport           = errors.New("transport error")
	ErrConnection          = errors.New("connection error")
	ErrEncoding            = errors.New("encoding error")
	ErrInvalidPeerID       = errors.New("invalid peer id")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrTimeout             = errors.New("request timed out")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrBootstrap           = errors.New("bootstrap error")
	ErrSync                = errors.New("sync error")
	ErrGossip              = errors.New("gossip error")
	ErrNetworkConfig       = errors.New("network config error")
)
