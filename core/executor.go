package core

// executor.go – end-to-end transaction application: validate → meter →
// transfer → nonce bump → fee payment, committed as one atomic change set.
// Deterministic per-transaction failures are captured in the ExecutionResult
// and never abort block processing.

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// State change records
//---------------------------------------------------------------------

// StateChange describes one observable state mutation made by a transaction.
type StateChange interface {
	Kind() string
}

// BalanceChange records a balance movement on one account.
type BalanceChange struct {
	Address    Address      `json:"address"`
	OldBalance *uint256.Int `json:"old_balance"`
	NewBalance *uint256.Int `json:"new_balance"`
}

func (BalanceChange) Kind() string { return "balance_change" }

// NonceChange records a nonce bump.
type NonceChange struct {
	Address  Address `json:"address"`
	OldNonce uint64  `json:"old_nonce"`
	NewNonce uint64  `json:"new_nonce"`
}

func (NonceChange) Kind() string { return "nonce_change" }

// AccountCreated records the implicit creation of an account on first credit.
type AccountCreated struct {
	Address Address `json:"address"`
}

func (AccountCreated) Kind() string { return "account_created" }

// AccountDeleted records the removal of an emptied account.
type AccountDeleted struct {
	Address Address `json:"address"`
}

func (AccountDeleted) Kind() string { return "account_deleted" }

// StorageChange records a storage slot write.
type StorageChange struct {
	Address  Address `json:"address"`
	Key      Hash    `json:"key"`
	OldValue []byte  `json:"old_value,omitempty"`
	NewValue []byte  `json:"new_value,omitempty"`
}

func (StorageChange) Kind() string { return "storage_change" }

// CodeSet records contract code installation.
type CodeSet struct {
	Address  Address `json:"address"`
	CodeHash Hash    `json:"code_hash"`
}

func (CodeSet) Kind() string { return "code_set" }

//---------------------------------------------------------------------
// Execution result & context
//---------------------------------------------------------------------

// ExecutionResult is the outcome of applying one transaction.
type ExecutionResult struct {
	Success      bool
	GasUsed      uint64
	StateChanges []StateChange
	ReturnData   []byte
	Err          string
	GasRefund    uint64
}

// SuccessResult builds a successful outcome.
func SuccessResult(gasUsed uint64, changes []StateChange) *ExecutionResult {
	return &ExecutionResult{Success: true, GasUsed: gasUsed, StateChanges: changes}
}

// FailureResult builds a failed outcome; the gas consumed up to the failure
// point is still charged.
func FailureResult(gasUsed uint64, errMsg string) *ExecutionResult {
	return &ExecutionResult{GasUsed: gasUsed, Err: errMsg}
}

// ExecutionContext carries the block environment for one transaction.
type ExecutionContext struct {
	BlockNumber uint64
	Timestamp   uint64
	GasLimit    uint64
	Coinbase    Address
}

//---------------------------------------------------------------------
// Balance transfer engine
//---------------------------------------------------------------------

// BalanceTransferEngine applies plain value transfers (empty data).
type BalanceTransferEngine struct {
	schedule GasSchedule
}

// NewBalanceTransferEngine returns a transfer engine over the schedule.
func NewBalanceTransferEngine(schedule GasSchedule) *BalanceTransferEngine {
	return &BalanceTransferEngine{schedule: schedule}
}

// totalCost is value + gas_limit × gas_price, the funds the sender must hold
// before execution starts.
func totalCost(tx *Transaction) (*uint256.Int, error) {
	gasCost, overflow := new(uint256.Int).MulOverflow(
		uint256.NewInt(tx.GasLimit), tx.GasPrice)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	cost, overflow := new(uint256.Int).AddOverflow(tx.Value, gasCost)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return cost, nil
}

// Apply runs the transfer algorithm. Failures after the signature recovers are
// deterministic and reported through the result.
func (e *BalanceTransferEngine) Apply(tx *Transaction, state *SharedStateDB, ctx *ExecutionContext) (*ExecutionResult, error) {
	meter := NewGasMeter(tx.GasLimit, e.schedule)
	var stateChanges []StateChange
	changes := NewAccountChanges()

	// Base transaction cost.
	if err := meter.ConsumeTxBase(len(tx.Data)); err != nil {
		return FailureResult(meter.Consumed(), err.Error()), nil
	}

	sender, err := tx.Sender()
	if err != nil {
		return nil, err
	}

	senderAccount, err := state.GetAccount(sender)
	if err != nil {
		return nil, err
	}
	if senderAccount == nil {
		senderAccount = NewAccount()
	}

	if senderAccount.Nonce != tx.Nonce {
		nonceErr := &InvalidNonceError{Expected: senderAccount.Nonce, Actual: tx.Nonce}
		return FailureResult(meter.Consumed(), nonceErr.Error()), nil
	}

	cost, err := totalCost(tx)
	if err != nil {
		return FailureResult(meter.Consumed(), err.Error()), nil
	}
	if senderAccount.Balance.Lt(cost) {
		balErr := &InsufficientBalanceError{
			Required:  cost.Dec(),
			Available: senderAccount.Balance.Dec(),
		}
		return FailureResult(meter.Consumed(), balErr.Error()), nil
	}

	if err := meter.ConsumeTransfer(); err != nil {
		return FailureResult(meter.Consumed(), err.Error()), nil
	}

	recipient := *tx.To
	existing, err := state.GetAccount(recipient)
	if err != nil {
		return nil, err
	}
	recipientExists := existing != nil
	recipientAccount := existing
	if recipientAccount == nil {
		recipientAccount = NewAccount()
	}

	if !recipientExists && !tx.Value.IsZero() {
		if err := meter.ConsumeAccountCreation(); err != nil {
			return FailureResult(meter.Consumed(), err.Error()), nil
		}
		stateChanges = append(stateChanges, AccountCreated{Address: recipient})
	}

	if !tx.Value.IsZero() {
		oldSender := senderAccount.Balance.Clone()
		oldRecipient := recipientAccount.Balance.Clone()
		if err := senderAccount.SubBalance(tx.Value); err != nil {
			return FailureResult(meter.Consumed(), err.Error()), nil
		}
		if err := recipientAccount.AddBalance(tx.Value); err != nil {
			return FailureResult(meter.Consumed(), err.Error()), nil
		}
		stateChanges = append(stateChanges,
			BalanceChange{Address: sender, OldBalance: oldSender, NewBalance: senderAccount.Balance.Clone()},
			BalanceChange{Address: recipient, OldBalance: oldRecipient, NewBalance: recipientAccount.Balance.Clone()},
		)
	}

	oldNonce := senderAccount.Nonce
	senderAccount.IncrementNonce()
	stateChanges = append(stateChanges, NonceChange{
		Address:  sender,
		OldNonce: oldNonce,
		NewNonce: senderAccount.Nonce,
	})

	// Fee payment. Consumed ≤ gas_limit, so the upfront balance check covers
	// the fee even after the value debit.
	fee := new(uint256.Int).Mul(uint256.NewInt(meter.Consumed()), tx.GasPrice)
	if err := senderAccount.SubBalance(fee); err != nil {
		return FailureResult(meter.Consumed(), err.Error()), nil
	}
	coinbaseAccount, err := state.GetAccount(ctx.Coinbase)
	if err != nil {
		return nil, err
	}
	if coinbaseAccount == nil {
		coinbaseAccount = NewAccount()
	}
	if err := coinbaseAccount.AddBalance(fee); err != nil {
		return FailureResult(meter.Consumed(), err.Error()), nil
	}

	changes.UpdateAccount(sender, senderAccount)
	changes.UpdateAccount(recipient, recipientAccount)
	changes.UpdateAccount(ctx.Coinbase, coinbaseAccount)
	if err := state.ApplyChanges(changes); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"from":     sender,
		"to":       recipient,
		"gas_used": meter.Consumed(),
	}).Debug("balance transfer applied")

	return SuccessResult(meter.Consumed(), stateChanges), nil
}

//---------------------------------------------------------------------
// Transaction executor
//---------------------------------------------------------------------

// TransactionExecutor routes transactions to the appropriate engine.
type TransactionExecutor struct {
	transferEngine *BalanceTransferEngine
	schedule       GasSchedule
}

// NewTransactionExecutor returns an executor over the schedule.
func NewTransactionExecutor(schedule GasSchedule) *TransactionExecutor {
	return &TransactionExecutor{
		transferEngine: NewBalanceTransferEngine(schedule),
		schedule:       schedule,
	}
}

// Execute applies a transaction against the state. Gas-limit violations and
// the reserved contract path fail deterministically without panicking.
func (ex *TransactionExecutor) Execute(tx *Transaction, state *SharedStateDB, ctx *ExecutionContext) (*ExecutionResult, error) {
	if tx.GasLimit == 0 {
		return FailureResult(0, "gas limit cannot be zero"), nil
	}
	if tx.GasLimit > ctx.GasLimit {
		return FailureResult(0, "gas limit exceeds block gas limit"), nil
	}

	if len(tx.Data) == 0 && !tx.IsContractCreation() {
		return ex.transferEngine.Apply(tx, state, ctx)
	}
	return ex.executeContract(tx)
}

// executeContract is the reserved contract path: it charges the base cost so
// every node agrees on the gas consumed, then fails.
func (ex *TransactionExecutor) executeContract(tx *Transaction) (*ExecutionResult, error) {
	meter := NewGasMeter(tx.GasLimit, ex.schedule)
	if err := meter.ConsumeTxBase(len(tx.Data)); err != nil {
		return FailureResult(meter.Consumed(), err.Error()), nil
	}
	logrus.Warn("contract execution requested before VM rollout")
	return FailureResult(meter.Consumed(), ErrContractExecution.Error()), nil
}

// EstimateGas runs the transaction on a fork of the state and returns the
// consumption with a 10% buffer, capped at the block gas limit. The canonical
// state is untouched.
func (ex *TransactionExecutor) EstimateGas(tx *Transaction, state *SharedStateDB, ctx *ExecutionContext) (uint64, error) {
	forked := state.Fork()
	result, err := ex.Execute(tx, forked, ctx)
	if err != nil {
		return 0, err
	}
	estimated := result.GasUsed + result.GasUsed/10
	if estimated > ctx.GasLimit {
		estimated = ctx.GasLimit
	}
	return estimated, nil
}

// ValidateTransaction checks a transaction without mutating state: gas limits,
// signature recovery, nonce sequence and upfront balance.
func (ex *TransactionExecutor) ValidateTransaction(tx *Transaction, state *SharedStateDB, ctx *ExecutionContext) error {
	if tx.GasLimit == 0 {
		return fmt.Errorf("%w: gas limit cannot be zero", ErrInvalidTransaction)
	}
	if tx.GasLimit > ctx.GasLimit {
		return fmt.Errorf("%w: gas limit exceeds block gas limit", ErrInvalidTransaction)
	}
	sender, err := tx.Sender()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	account, err := state.GetAccount(sender)
	if err != nil {
		return err
	}
	if account == nil {
		account = NewAccount()
	}
	if account.Nonce != tx.Nonce {
		return &InvalidNonceError{Expected: account.Nonce, Actual: tx.Nonce}
	}
	cost, err := totalCost(tx)
	if err != nil {
		return err
	}
	if account.Balance.Lt(cost) {
		return &InsufficientBalanceError{
			Required:  cost.Dec(),
			Available: account.Balance.Dec(),
		}
	}
	return nil
}
