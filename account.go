package bankapi

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID           snowflake.ID    `json:"id"`
	Name         string          `json:"name"`
	Number       int64           `json:"number"`
	Balance      decimal.Decimal `json:"balance"`
	SpecialLimit decimal.Decimal `json:"specialLimit"`
}

// BalanceWithLimit is the amount the account can still be debited.
func (a *Account) BalanceWithLimit() decimal.Decimal {
	return a.Balance.Add(a.SpecialLimit)
}

type TransactionType string

const (
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionWithdraw TransactionType = "WITHDRAW"
	TransactionTransfer TransactionType = "TRANSFER"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdraw, TransactionTransfer:
		return true
	}
	return false
}

// Transaction is an immutable log record of one money movement.
// Deposits have no source account, withdrawals have no receiver account.
type Transaction struct {
	ID              snowflake.ID
	Type            TransactionType
	Amount          decimal.Decimal
	SourceAccount   *Account
	ReceiverAccount *Account
	CreatedAt       time.Time
}

func NewTransaction(id snowflake.ID, typ TransactionType, amount decimal.Decimal, source, receiver *Account) *Transaction {
	return &Transaction{
		ID:              id,
		Type:            typ,
		Amount:          amount,
		SourceAccount:   source,
		ReceiverAccount: receiver,
		CreatedAt:       time.Now().UTC(),
	}
}

// SourceNumber returns the source account number or nil.
func (t *Transaction) SourceNumber() *int64 {
	if t.SourceAccount == nil {
		return nil
	}
	n := t.SourceAccount.Number
	return &n
}

// ReceiverNumber returns the receiver account number or nil.
func (t *Transaction) ReceiverNumber() *int64 {
	if t.ReceiverAccount == nil {
		return nil
	}
	n := t.ReceiverAccount.Number
	return &n
}

// SignedAmount is the effect of t on the balance of the account numbered acct.
func (t *Transaction) SignedAmount(acct int64) decimal.Decimal {
	switch {
	case t.ReceiverAccount != nil && t.ReceiverAccount.Number == acct:
		return t.Amount
	case t.SourceAccount != nil && t.SourceAccount.Number == acct:
		return t.Amount.Neg()
	}
	return decimal.Zero
}
