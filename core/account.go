package core

// account.go – the account record and the batched change set the executor
// hands to the state store. Balances are 256-bit capable so Wei-scale values
// never overflow a machine word.

import (
	"github.com/holiman/uint256"
)

// Account is the canonical per-address record.
type Account struct {
	Nonce       uint64       `json:"nonce"`
	Balance     *uint256.Int `json:"balance"`
	CodeHash    Hash         `json:"code_hash"`
	StorageRoot Hash         `json:"storage_root"`
}

// NewAccount returns an empty account.
func NewAccount() *Account {
	return &Account{Balance: uint256.NewInt(0)}
}

// AccountWithBalance returns a fresh account holding the given balance.
func AccountWithBalance(balance uint64) *Account {
	return &Account{Balance: uint256.NewInt(balance)}
}

// Clone deep-copies the account.
func (a *Account) Clone() *Account {
	return &Account{
		Nonce:       a.Nonce,
		Balance:     a.Balance.Clone(),
		CodeHash:    a.CodeHash,
		StorageRoot: a.StorageRoot,
	}
}

// IsEmpty reports whether the account carries no nonce, balance or code. Empty
// accounts are removed from the state store.
func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance.IsZero() && a.CodeHash.IsZero()
}

// IsContract reports whether the account carries code.
func (a *Account) IsContract() bool { return !a.CodeHash.IsZero() }

// IncrementNonce bumps the replay counter.
func (a *Account) IncrementNonce() { a.Nonce++ }

// AddBalance credits the account, rejecting 256-bit overflow.
func (a *Account) AddBalance(amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(a.Balance, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	a.Balance = sum
	return nil
}

// SubBalance debits the account, failing when funds are short.
func (a *Account) SubBalance(amount *uint256.Int) error {
	if a.Balance.Lt(amount) {
		return &InsufficientBalanceError{
			Required:  amount.Dec(),
			Available: a.Balance.Dec(),
		}
	}
	a.Balance = new(uint256.Int).Sub(a.Balance, amount)
	return nil
}

// SetCodeHash marks the account as a contract.
func (a *Account) SetCodeHash(h Hash) { a.CodeHash = h }

// SetStorageRoot records the storage trie root.
func (a *Account) SetStorageRoot(h Hash) { a.StorageRoot = h }

//---------------------------------------------------------------------
// Batched change set
//---------------------------------------------------------------------

// AccountChanges accumulates account, storage and code writes so the state
// store can apply them atomically.
type AccountChanges struct {
	Accounts       map[Address]*Account
	Deleted        []Address
	StorageChanges map[Address]map[Hash][]byte
	CodeChanges    map[Address][]byte
}

// NewAccountChanges returns an empty change set.
func NewAccountChanges() *AccountChanges {
	return &AccountChanges{
		Accounts:       make(map[Address]*Account),
		StorageChanges: make(map[Address]map[Hash][]byte),
		CodeChanges:    make(map[Address][]byte),
	}
}

// UpdateAccount stages an account replacement.
func (c *AccountChanges) UpdateAccount(addr Address, account *Account) {
	c.Accounts[addr] = account
}

// DeleteAccount stages a deletion and drops any staged writes for the same
// address.
func (c *AccountChanges) DeleteAccount(addr Address) {
	c.Deleted = append(c.Deleted, addr)
	delete(c.Accounts, addr)
	delete(c.StorageChanges, addr)
	delete(c.CodeChanges, addr)
}

// UpdateStorage stages a storage write; an empty value means removal.
func (c *AccountChanges) UpdateStorage(addr Address, key Hash, value []byte) {
	slot, ok := c.StorageChanges[addr]
	if !ok {
		slot = make(map[Hash][]byte)
		c.StorageChanges[addr] = slot
	}
	slot[key] = value
}

// UpdateCode stages a code write.
func (c *AccountChanges) UpdateCode(addr Address, code []byte) {
	c.CodeChanges[addr] = code
}

// IsEmpty reports whether nothing is staged.
func (c *AccountChanges) IsEmpty() bool {
	return len(c.Accounts) == 0 && len(c.Deleted) == 0 &&
		len(c.StorageChanges) == 0 && len(c.CodeChanges) == 0
}

// Merge folds other into the receiver; later writes win.
func (c *AccountChanges) Merge(other *AccountChanges) {
	for addr, account := range other.Accounts {
		c.Accounts[addr] = account
	}
	c.Deleted = append(c.Deleted, other.Deleted...)
	for addr, storage := range other.StorageChanges {
		slot, ok := c.StorageChanges[addr]
		if !ok {
			slot = make(map[Hash][]byte)
			c.StorageChanges[addr] = slot
		}
		for key, value := range storage {
			slot[key] = value
		}
	}
	for addr, code := range other.CodeChanges {
		c.CodeChanges[addr] = code
	}
}
