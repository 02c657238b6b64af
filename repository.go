package bankapi

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/arhyth/bankapi Repository

type AccountRepository interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	GetAccountByNumber(ctx context.Context, number int64) (*Account, error)
	// LockAccountByNumber is GetAccountByNumber that also holds the row until the
	// enclosing unit of work ends.
	LockAccountByNumber(ctx context.Context, number int64) (*Account, error)
	// LockAccount is GetAccount that also holds the row until the enclosing unit
	// of work ends.
	LockAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// UpdateAccount writes name, balance and special limit.
	UpdateAccount(ctx context.Context, acct *Account) error
	// UpdateAccountDetails writes name and special limit, never the balance.
	UpdateAccountDetails(ctx context.Context, acct *Account) error
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, txn *Transaction) error
	// ListTransactions returns the transactions touching the account, oldest first.
	ListTransactions(ctx context.Context, number int64) ([]Transaction, error)
}

type Repository interface {
	AccountRepository
	TransactionRepository
	// WithinTx runs fn as one unit of work. Everything fn does through the given
	// Repository is committed when fn returns nil and discarded otherwise.
	WithinTx(ctx context.Context, fn func(Repository) error) error
}
