package core

// mempool.go – the pending-transaction pool the proposer drains. Admission
// runs the executor's stateless validation against the shared state; picked
// transactions leave the pool in FIFO order.

import (
	"fmt"
	"sync"
)

// TxPool holds validated transactions awaiting inclusion.
type TxPool struct {
	mu       sync.RWMutex
	state    *SharedStateDB
	executor *TransactionExecutor
	lookup   map[Hash]*Transaction
	queue    []*Transaction
}

// NewTxPool builds a pool validating against the given state.
func NewTxPool(state *SharedStateDB, executor *TransactionExecutor) *TxPool {
	return &TxPool{
		state:    state,
		executor: executor,
		lookup:   make(map[Hash]*Transaction),
	}
}

// AddTx validates and enqueues a signed transaction. Duplicates, bad nonces
// and underfunded senders are rejected here so a proposer never wastes a slot
// on them.
func (p *TxPool) AddTx(tx *Transaction, ctx *ExecutionContext) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if err := p.executor.ValidateTransaction(tx, p.state, ctx); err != nil {
		return err
	}
	hash, err := tx.HashTx()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.lookup[hash]; exists {
		return fmt.Errorf("%w: %s already pending", ErrInvalidTransaction, hash)
	}
	p.lookup[hash] = tx
	p.queue = append(p.queue, tx)
	return nil
}

// Pick removes up to max transactions in FIFO order for block assembly.
func (p *TxPool) Pick(max int) []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 || max > len(p.queue) {
		max = len(p.queue)
	}
	picked := make([]*Transaction, 0, max)
	for i := 0; i < max; i++ {
		tx := p.queue[0]
		p.queue = p.queue[1:]
		if hash, err := tx.HashTx(); err == nil {
			delete(p.lookup, hash)
		}
		picked = append(picked, tx)
	}
	return picked
}

// Pending returns a copy of the queue for inspection.
func (p *TxPool) Pending() []*Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pending := make([]*Transaction, len(p.queue))
	copy(pending, p.queue)
	return pending
}

// Len returns the queue depth.
func (p *TxPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queue)
}

// Contains reports whether a transaction hash is pending.
func (p *TxPool) Contains(hash Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.lookup[hash]
	return ok
}
