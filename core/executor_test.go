package core

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// test fixture shared by the executor scenarios: sender s funded from
// keypair K_s, recipient r = 0x0202…02, coinbase c = 0x0303…03.
type executorFixture struct {
	executor *TransactionExecutor
	state    *SharedStateDB
	ctx      *ExecutionContext
	sender   Address
	signTx   func(tx *Transaction)
}

func newExecutorFixture(t *testing.T, senderBalance uint64) *executorFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	sender := PubkeyToAddress(&key.PublicKey)

	state := NewSharedMemoryStateDB()
	changes := NewAccountChanges()
	changes.UpdateAccount(sender, AccountWithBalance(senderBalance))
	if err := state.ApplyChanges(changes); err != nil {
		t.Fatalf("fund sender: %v", err)
	}

	return &executorFixture{
		executor: NewTransactionExecutor(DefaultGasSchedule()),
		state:    state,
		ctx: &ExecutionContext{
			BlockNumber: 1,
			Timestamp:   1_000_000,
			GasLimit:    1_000_000,
			Coinbase:    addr(3),
		},
		sender: sender,
		signTx: func(tx *Transaction) {
			if err := tx.Sign(key); err != nil {
				t.Fatalf("sign: %v", err)
			}
		},
	}
}

// Transfer happy path: gas_used = tx_base + balance_transfer +
// account_creation = 21000 + 9000 + 32000 = 62_000, and the balances obey
// conservation.
func TestTransferHappyPath(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	recipient := addr(2)

	tx := NewTransfer(0, recipient, uint256.NewInt(100), uint256.NewInt(1), 100_000)
	fix.signTx(tx)

	result, err := fix.executor.Execute(tx, fix.state, fix.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("failed: %s", result.Err)
	}
	if result.GasUsed != 62_000 {
		t.Fatalf("gas used %d, want 62000", result.GasUsed)
	}

	sender, _ := fix.state.GetAccount(fix.sender)
	if sender.Balance.Uint64() != 937_900 {
		t.Fatalf("sender balance %s, want 937900", sender.Balance)
	}
	if sender.Nonce != 1 {
		t.Fatalf("sender nonce %d, want 1", sender.Nonce)
	}
	recipientAccount, _ := fix.state.GetAccount(recipient)
	if recipientAccount.Balance.Uint64() != 100 {
		t.Fatalf("recipient balance %s, want 100", recipientAccount.Balance)
	}
	coinbase, _ := fix.state.GetAccount(addr(3))
	if coinbase.Balance.Uint64() != 62_000 {
		t.Fatalf("coinbase balance %s, want 62000", coinbase.Balance)
	}

	// The change stream carries creation, two balance moves and the nonce.
	var created, balances, nonces int
	for _, change := range result.StateChanges {
		switch change.(type) {
		case AccountCreated:
			created++
		case BalanceChange:
			balances++
		case NonceChange:
			nonces++
		}
	}
	if created != 1 || balances != 2 || nonces != 1 {
		t.Fatalf("changes: created=%d balances=%d nonces=%d", created, balances, nonces)
	}
}

// A 21_000 gas limit cannot cover transfer + account creation.
func TestTransferOutOfGas(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	tx := NewTransfer(0, addr(2), uint256.NewInt(100), uint256.NewInt(1), 21_000)
	fix.signTx(tx)

	result, err := fix.executor.Execute(tx, fix.state, fix.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("under-provisioned transfer succeeded")
	}
	if !strings.Contains(result.Err, "out of gas") {
		t.Fatalf("error %q", result.Err)
	}
}

func TestBadNonceLeavesStateUntouched(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	tx := NewTransfer(5, addr(2), uint256.NewInt(100), uint256.NewInt(1), 100_000)
	fix.signTx(tx)

	result, err := fix.executor.Execute(tx, fix.state, fix.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("bad nonce accepted")
	}
	if !strings.Contains(result.Err, "expected 0") || !strings.Contains(result.Err, "actual 5") {
		t.Fatalf("error %q lacks expected/actual nonces", result.Err)
	}

	sender, _ := fix.state.GetAccount(fix.sender)
	if sender.Balance.Uint64() != 1_000_000 || sender.Nonce != 0 {
		t.Fatal("failed transaction mutated state")
	}
	if recipient, _ := fix.state.GetAccount(addr(2)); recipient != nil {
		t.Fatal("recipient created by failed transaction")
	}
}

func TestInsufficientBalance(t *testing.T) {
	fix := newExecutorFixture(t, 10)
	tx := NewTransfer(0, addr(2), uint256.NewInt(100), uint256.NewInt(1), 100_000)
	fix.signTx(tx)

	result, err := fix.executor.Execute(tx, fix.state, fix.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("underfunded transfer succeeded")
	}
	if !strings.Contains(result.Err, "insufficient balance") {
		t.Fatalf("error %q", result.Err)
	}
	sender, _ := fix.state.GetAccount(fix.sender)
	if sender.Balance.Uint64() != 10 {
		t.Fatal("failed transaction moved funds")
	}
}

func TestGasLimitBounds(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)

	zero := NewTransfer(0, addr(2), uint256.NewInt(1), uint256.NewInt(1), 0)
	fix.signTx(zero)
	result, _ := fix.executor.Execute(zero, fix.state, fix.ctx)
	if result.Success || result.GasUsed != 0 {
		t.Fatalf("zero gas limit: success=%v gas=%d", result.Success, result.GasUsed)
	}

	over := NewTransfer(0, addr(2), uint256.NewInt(1), uint256.NewInt(1), fix.ctx.GasLimit+1)
	fix.signTx(over)
	result, _ = fix.executor.Execute(over, fix.state, fix.ctx)
	if result.Success || result.GasUsed != 0 {
		t.Fatalf("over block limit: success=%v gas=%d", result.Success, result.GasUsed)
	}
}

// Data-bearing transactions charge the base cost and fail identically on
// every node.
func TestContractPathRejectedDeterministically(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	to := addr(2)
	tx := NewTransaction(0, uint256.NewInt(1), 100_000, &to, uint256.NewInt(0), []byte{1, 2, 3})
	fix.signTx(tx)

	result, err := fix.executor.Execute(tx, fix.state, fix.ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("contract call succeeded")
	}
	if !strings.Contains(result.Err, "contract execution not yet implemented") {
		t.Fatalf("error %q", result.Err)
	}
	want := DefaultGasSchedule().TransactionCost(3)
	if result.GasUsed != want {
		t.Fatalf("gas used %d, want %d", result.GasUsed, want)
	}
}

func TestEstimateGasLeavesStateUntouched(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	tx := NewTransfer(0, addr(2), uint256.NewInt(100), uint256.NewInt(1), 100_000)
	fix.signTx(tx)

	rootBefore := fix.state.StateRoot()
	estimate, err := fix.executor.EstimateGas(tx, fix.state, fix.ctx)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// 62_000 plus the 10% buffer.
	if estimate != 68_200 {
		t.Fatalf("estimate %d, want 68200", estimate)
	}
	if fix.state.StateRoot() != rootBefore {
		t.Fatal("estimation mutated canonical state")
	}

	// The real execution still passes afterwards.
	result, _ := fix.executor.Execute(tx, fix.state, fix.ctx)
	if !result.Success {
		t.Fatalf("post-estimate execute failed: %s", result.Err)
	}
}

func TestValidateTransactionWithoutMutation(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	tx := NewTransfer(0, addr(2), uint256.NewInt(100), uint256.NewInt(1), 100_000)
	fix.signTx(tx)

	if err := fix.executor.ValidateTransaction(tx, fix.state, fix.ctx); err != nil {
		t.Fatalf("validate: %v", err)
	}
	sender, _ := fix.state.GetAccount(fix.sender)
	if sender.Nonce != 0 || sender.Balance.Uint64() != 1_000_000 {
		t.Fatal("validation mutated state")
	}

	bad := NewTransfer(7, addr(2), uint256.NewInt(100), uint256.NewInt(1), 100_000)
	fix.signTx(bad)
	if err := fix.executor.ValidateTransaction(bad, fix.state, fix.ctx); err == nil {
		t.Fatal("bad nonce validated")
	}
}

// Executor conservation: value and fee move exactly once each.
func TestConservationAcrossSequentialTransfers(t *testing.T) {
	fix := newExecutorFixture(t, 1_000_000)
	recipient := addr(2)

	for nonce := uint64(0); nonce < 3; nonce++ {
		tx := NewTransfer(nonce, recipient, uint256.NewInt(100), uint256.NewInt(1), 100_000)
		fix.signTx(tx)
		result, err := fix.executor.Execute(tx, fix.state, fix.ctx)
		if err != nil || !result.Success {
			t.Fatalf("tx %d: err=%v result=%+v", nonce, err, result)
		}
	}

	sender, _ := fix.state.GetAccount(fix.sender)
	recipientAccount, _ := fix.state.GetAccount(recipient)
	coinbase, _ := fix.state.GetAccount(addr(3))

	// First transfer creates the account (62_000 gas), the next two reuse it
	// (30_000 gas each).
	wantFees := uint64(62_000 + 2*30_000)
	if coinbase.Balance.Uint64() != wantFees {
		t.Fatalf("coinbase %s, want %d", coinbase.Balance, wantFees)
	}
	if recipientAccount.Balance.Uint64() != 300 {
		t.Fatalf("recipient %s, want 300", recipientAccount.Balance)
	}
	want := 1_000_000 - 300 - wantFees
	if sender.Balance.Uint64() != want {
		t.Fatalf("sender %s, want %d", sender.Balance, want)
	}
	if sender.Nonce != 3 {
		t.Fatalf("sender nonce %d", sender.Nonce)
	}
}
