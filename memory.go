package bankapi

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*memTx)(nil)
)

// MemoryStore keeps accounts and transactions in process memory. A single mutex
// serializes units of work; changes are staged on a copy and published on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	accounts map[int64]Account
	byID     map[snowflake.ID]int64
	txns     []Transaction
}

func newMemState() *memState {
	return &memState{
		accounts: make(map[int64]Account),
		byID:     make(map[snowflake.ID]int64),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts: make(map[int64]Account, len(s.accounts)),
		byID:     make(map[snowflake.ID]int64, len(s.byID)),
		txns:     slices.Clone(s.txns),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	return c
}

func (s *memState) createAccount(acct *Account) error {
	if _, ok := s.accounts[acct.Number]; ok {
		return badRequest("number", "already exists")
	}
	s.accounts[acct.Number] = *acct
	s.byID[acct.ID] = acct.Number
	return nil
}

func (s *memState) getAccount(id snowflake.ID) (*Account, error) {
	num, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound{Resource: "account", Key: id.String()}
	}
	return s.getAccountByNumber(num)
}

func (s *memState) getAccountByNumber(number int64) (*Account, error) {
	acct, ok := s.accounts[number]
	if !ok {
		return nil, ErrNotFound{Resource: "account", Key: strconv.FormatInt(number, 10)}
	}
	return &acct, nil
}

func (s *memState) listAccounts() []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Account) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return 0
	})
	return out
}

func (s *memState) updateAccount(acct *Account) error {
	num, ok := s.byID[acct.ID]
	if !ok {
		return ErrNotFound{Resource: "account", Key: acct.ID.String()}
	}
	if num != acct.Number {
		return badRequest("number", "cannot be changed")
	}
	s.accounts[num] = *acct
	return nil
}

func (s *memState) updateAccountDetails(acct *Account) error {
	stored, err := s.getAccount(acct.ID)
	if err != nil {
		return err
	}
	if stored.Number != acct.Number {
		return badRequest("number", "cannot be changed")
	}
	stored.Name = acct.Name
	stored.SpecialLimit = acct.SpecialLimit
	s.accounts[stored.Number] = *stored
	return nil
}

func (s *memState) createTransaction(txn *Transaction) error {
	for _, n := range []*int64{txn.SourceNumber(), txn.ReceiverNumber()} {
		if n == nil {
			continue
		}
		if _, ok := s.accounts[*n]; !ok {
			return ErrNotFound{Resource: "account", Key: strconv.FormatInt(*n, 10)}
		}
	}
	stored := *txn
	if n := txn.SourceNumber(); n != nil {
		stored.SourceAccount = &Account{Number: *n, Name: txn.SourceAccount.Name}
	}
	if n := txn.ReceiverNumber(); n != nil {
		stored.ReceiverAccount = &Account{Number: *n, Name: txn.ReceiverAccount.Name}
	}
	s.txns = append(s.txns, stored)
	return nil
}

func (s *memState) listTransactions(number int64) []Transaction {
	out := []Transaction{}
	for _, t := range s.txns {
		src, rcv := t.SourceNumber(), t.ReceiverNumber()
		if (src != nil && *src == number) || (rcv != nil && *rcv == number) {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	return m.WithinTx(ctx, func(r Repository) error {
		return r.CreateAccount(ctx, acct)
	})
}

func (m *MemoryStore) GetAccount(_ context.Context, id snowflake.ID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getAccount(id)
}

// LockAccount outside a unit of work behaves like GetAccount.
func (m *MemoryStore) LockAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	return m.GetAccount(ctx, id)
}

func (m *MemoryStore) GetAccountByNumber(_ context.Context, number int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getAccountByNumber(number)
}

// LockAccountByNumber outside a unit of work behaves like GetAccountByNumber.
func (m *MemoryStore) LockAccountByNumber(ctx context.Context, number int64) (*Account, error) {
	return m.GetAccountByNumber(ctx, number)
}

func (m *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listAccounts(), nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, acct *Account) error {
	return m.WithinTx(ctx, func(r Repository) error {
		return r.UpdateAccount(ctx, acct)
	})
}

func (m *MemoryStore) UpdateAccountDetails(ctx context.Context, acct *Account) error {
	return m.WithinTx(ctx, func(r Repository) error {
		return r.UpdateAccountDetails(ctx, acct)
	})
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *Transaction) error {
	return m.WithinTx(ctx, func(r Repository) error {
		return r.CreateTransaction(ctx, txn)
	})
}

func (m *MemoryStore) ListTransactions(_ context.Context, number int64) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listTransactions(number), nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// memTx is the Repository handed to a unit of work. Its methods run with the
// store mutex already held.
type memTx struct {
	state *memState
}

func (t *memTx) CreateAccount(_ context.Context, acct *Account) error {
	return t.state.createAccount(acct)
}

func (t *memTx) GetAccount(_ context.Context, id snowflake.ID) (*Account, error) {
	return t.state.getAccount(id)
}

func (t *memTx) LockAccount(_ context.Context, id snowflake.ID) (*Account, error) {
	return t.state.getAccount(id)
}

func (t *memTx) GetAccountByNumber(_ context.Context, number int64) (*Account, error) {
	return t.state.getAccountByNumber(number)
}

func (t *memTx) LockAccountByNumber(_ context.Context, number int64) (*Account, error) {
	return t.state.getAccountByNumber(number)
}

func (t *memTx) ListAccounts(_ context.Context) ([]Account, error) {
	return t.state.listAccounts(), nil
}

func (t *memTx) UpdateAccount(_ context.Context, acct *Account) error {
	return t.state.updateAccount(acct)
}

func (t *memTx) UpdateAccountDetails(_ context.Context, acct *Account) error {
	return t.state.updateAccountDetails(acct)
}

func (t *memTx) CreateTransaction(_ context.Context, txn *Transaction) error {
	return t.state.createTransaction(txn)
}

func (t *memTx) ListTransactions(_ context.Context, number int64) ([]Transaction, error) {
	return t.state.listTransactions(number), nil
}

// WithinTx joins the unit of work already in progress.
func (t *memTx) WithinTx(_ context.Context, fn func(Repository) error) error {
	return fn(t)
}
