package bankapi

import (
	"context"
	"errors"
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/arhyth/bankapi Service

type CreateAccountReq struct {
	Name         string
	Number       int64
	Balance      decimal.Decimal
	SpecialLimit decimal.Decimal
}

type UpdateAccountReq struct {
	ID           snowflake.ID
	Name         string
	Number       int64
	SpecialLimit decimal.Decimal
}

type DepositReq struct {
	ReceiverNumber int64
	Amount         decimal.Decimal
}

type WithdrawReq struct {
	SourceNumber int64
	Amount       decimal.Decimal
}

type TransferReq struct {
	SourceNumber   int64
	ReceiverNumber int64
	Amount         decimal.Decimal
}

type StatementReq struct {
	Number int64
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error)
	GetAccount(ctx context.Context, number int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error)
	Deposit(ctx context.Context, req DepositReq) (*Transaction, error)
	Withdraw(ctx context.Context, req WithdrawReq) (*Transaction, error)
	Transfer(ctx context.Context, req TransferReq) (*Transaction, error)
	Statement(ctx context.Context, w io.Writer, req StatementReq) error
}

var (
	_ Service = (*serviceImpl)(nil)
)

func NewService(repo Repository, node *snowflake.Node, log *zerolog.Logger) (*serviceImpl, error) {
	if repo == nil {
		return nil, errors.New("nil repository")
	}
	if node == nil {
		return nil, errors.New("nil snowflake node")
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	svc := &serviceImpl{
		repo: repo,
		node: node,
		log:  log,
	}
	return svc, nil
}

type serviceImpl struct {
	repo Repository
	node *snowflake.Node
	log  *zerolog.Logger
}

func (s *serviceImpl) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if req.SpecialLimit.IsNegative() {
		return nil, badRequest("specialLimit", "must not be negative")
	}
	acct := &Account{
		ID:           s.node.Generate(),
		Name:         req.Name,
		Number:       req.Number,
		Balance:      req.Balance,
		SpecialLimit: req.SpecialLimit,
	}
	if acct.BalanceWithLimit().IsNegative() {
		return nil, badRequest("balance", "exceeds special limit")
	}
	if err := s.repo.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.log.Info().
		Int64("number", acct.Number).
		Str("id", acct.ID.String()).
		Msg("account created")
	return acct, nil
}

func (s *serviceImpl) GetAccount(ctx context.Context, number int64) (*Account, error) {
	return s.repo.GetAccountByNumber(ctx, number)
}

func (s *serviceImpl) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

// UpdateAccount changes name and special limit. The balance is only moved by
// transactions and the number is the account's external identity.
func (s *serviceImpl) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	var updated *Account
	err := s.repo.WithinTx(ctx, func(repo Repository) error {
		acct, err := repo.LockAccount(ctx, req.ID)
		if err != nil {
			return err
		}
		if acct.Number != req.Number {
			return badRequest("number", "cannot be changed")
		}
		if req.SpecialLimit.IsNegative() {
			return badRequest("specialLimit", "must not be negative")
		}
		if acct.Balance.Add(req.SpecialLimit).IsNegative() {
			return badRequest("specialLimit", "does not cover current balance")
		}
		acct.Name = req.Name
		acct.SpecialLimit = req.SpecialLimit
		if err = repo.UpdateAccountDetails(ctx, acct); err != nil {
			return err
		}
		updated = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *serviceImpl) Deposit(ctx context.Context, req DepositReq) (*Transaction, error) {
	var txn *Transaction
	err := s.repo.WithinTx(ctx, func(repo Repository) error {
		receiver, err := repo.LockAccountByNumber(ctx, req.ReceiverNumber)
		if err != nil {
			return err
		}
		if !req.Amount.IsPositive() {
			return badRequest("amount", "must be greater than zero")
		}

		receiver.Balance = receiver.Balance.Add(req.Amount)
		if err = repo.UpdateAccount(ctx, receiver); err != nil {
			return err
		}
		txn = NewTransaction(s.node.Generate(), TransactionDeposit, req.Amount, nil, receiver)
		return repo.CreateTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	s.logTxn(txn)
	return txn, nil
}

func (s *serviceImpl) Withdraw(ctx context.Context, req WithdrawReq) (*Transaction, error) {
	var txn *Transaction
	err := s.repo.WithinTx(ctx, func(repo Repository) error {
		source, err := repo.LockAccountByNumber(ctx, req.SourceNumber)
		if err != nil {
			return err
		}
		pending := NewTransaction(s.node.Generate(), TransactionWithdraw, req.Amount, source, nil)
		if err = ValidateAvailableBalance(pending); err != nil {
			return err
		}
		if !req.Amount.IsPositive() {
			return badRequest("amount", "must be greater than zero")
		}

		source.Balance = source.Balance.Sub(req.Amount)
		if err = repo.UpdateAccount(ctx, source); err != nil {
			return err
		}
		txn = pending
		return repo.CreateTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	s.logTxn(txn)
	return txn, nil
}

func (s *serviceImpl) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	if req.SourceNumber == req.ReceiverNumber {
		return nil, badRequest("receiverAccountNumber", "must differ from sourceAccountNumber")
	}
	var txn *Transaction
	err := s.repo.WithinTx(ctx, func(repo Repository) error {
		source, receiver, err := lockPair(ctx, repo, req.SourceNumber, req.ReceiverNumber)
		if err != nil {
			return err
		}
		pending := NewTransaction(s.node.Generate(), TransactionTransfer, req.Amount, source, receiver)
		if err = ValidateAvailableBalance(pending); err != nil {
			return err
		}
		if !req.Amount.IsPositive() {
			return badRequest("amount", "must be greater than zero")
		}

		source.Balance = source.Balance.Sub(req.Amount)
		receiver.Balance = receiver.Balance.Add(req.Amount)
		if err = repo.UpdateAccount(ctx, source); err != nil {
			return err
		}
		if err = repo.UpdateAccount(ctx, receiver); err != nil {
			return err
		}
		txn = pending
		return repo.CreateTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	s.logTxn(txn)
	return txn, nil
}

// lockPair locks both accounts in ascending number order so that opposite
// transfers between the same accounts cannot deadlock.
func lockPair(ctx context.Context, repo Repository, source, receiver int64) (*Account, *Account, error) {
	first, second := source, receiver
	if second < first {
		first, second = second, first
	}
	a, err := repo.LockAccountByNumber(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := repo.LockAccountByNumber(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	if a.Number == source {
		return a, b, nil
	}
	return b, a, nil
}

func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := s.repo.GetAccountByNumber(ctx, req.Number)
	if err != nil {
		return err
	}
	txns, err := s.repo.ListTransactions(ctx, req.Number)
	if err != nil {
		return err
	}
	return RenderStatement(w, acct, txns)
}

func (s *serviceImpl) logTxn(txn *Transaction) {
	ev := s.log.Info().
		Str("txn_id", txn.ID.String()).
		Str("type", string(txn.Type)).
		Str("amount", txn.Amount.String())
	if n := txn.SourceNumber(); n != nil {
		ev = ev.Int64("source", *n)
	}
	if n := txn.ReceiverNumber(); n != nil {
		ev = ev.Int64("receiver", *n)
	}
	ev.Msg("transaction committed")
}
