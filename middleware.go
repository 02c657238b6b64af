package bankapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

var (
	_ Service = (*validationMiddleware)(nil)
)

type Middleware func(Service) Service

// Chain wraps svc so that the first middleware is the outermost.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

// validationMiddleware rejects malformed requests before they reach storage.
type validationMiddleware struct {
	next Service
}

func NewValidationMiddleware() Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{
			next: svc,
		}
	}
}

func (v *validationMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	fields := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "missing"
	}
	if req.Number <= 0 {
		fields["number"] = "must be a positive number"
	}
	if req.SpecialLimit.IsNegative() {
		fields["specialLimit"] = "must not be negative"
	}
	checkMoney(fields, "balance", req.Balance)
	checkMoney(fields, "specialLimit", req.SpecialLimit)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.CreateAccount(ctx, req)
}

func (v *validationMiddleware) GetAccount(ctx context.Context, number int64) (*Account, error) {
	return v.next.GetAccount(ctx, number)
}

func (v *validationMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return v.next.ListAccounts(ctx)
}

func (v *validationMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	fields := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "missing"
	}
	if req.Number <= 0 {
		fields["number"] = "must be a positive number"
	}
	if req.SpecialLimit.IsNegative() {
		fields["specialLimit"] = "must not be negative"
	}
	checkMoney(fields, "specialLimit", req.SpecialLimit)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.UpdateAccount(ctx, req)
}

func (v *validationMiddleware) Deposit(ctx context.Context, req DepositReq) (*Transaction, error) {
	fields := map[string]string{}
	if req.ReceiverNumber <= 0 {
		fields["receiverAccountNumber"] = "must be a positive number"
	}
	if !req.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	checkMoney(fields, "amount", req.Amount)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.Deposit(ctx, req)
}

func (v *validationMiddleware) Withdraw(ctx context.Context, req WithdrawReq) (*Transaction, error) {
	fields := map[string]string{}
	if req.SourceNumber <= 0 {
		fields["sourceAccountNumber"] = "must be a positive number"
	}
	if !req.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	checkMoney(fields, "amount", req.Amount)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.Withdraw(ctx, req)
}

func (v *validationMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	fields := map[string]string{}
	if req.SourceNumber <= 0 {
		fields["sourceAccountNumber"] = "must be a positive number"
	}
	if req.ReceiverNumber <= 0 {
		fields["receiverAccountNumber"] = "must be a positive number"
	} else if req.ReceiverNumber == req.SourceNumber {
		fields["receiverAccountNumber"] = "must differ from sourceAccountNumber"
	}
	if !req.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	checkMoney(fields, "amount", req.Amount)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.Transfer(ctx, req)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	if req.Number <= 0 {
		return badRequest("number", "must be a positive number")
	}
	return v.next.Statement(ctx, w, req)
}

//
// Rate limiting middlewares
//

// limitMiddleware limits the number of in-flight requests to the service by using
// a weighted semaphore, i.e., x/sync/semaphore.Semaphore with an acquisition timeout.
// Account reads and writes share one semaphore, money movements another.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	Accounts       *semaphore.Weighted
	Transactions   *semaphore.Weighted
	AcquireTimeout time.Duration
}

func NewServiceLimits(cfg LimitsConfig) *ServiceLimits {
	return &ServiceLimits{
		Accounts:       semaphore.NewWeighted(cfg.Accounts),
		Transactions:   semaphore.NewWeighted(cfg.Transactions),
		AcquireTimeout: cfg.AcquireTimeout,
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

// acquire takes one token from sem, waiting at most AcquireTimeout. The returned
// func releases the token.
func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	actx := ctx
	if l.limits.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, l.limits.AcquireTimeout)
		defer cancel()
	}
	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire limit: %w", ErrServiceUnavailable)
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Accounts)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateAccount(ctx, req)
}

func (l *limitMiddleware) GetAccount(ctx context.Context, number int64) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Accounts)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.GetAccount(ctx, number)
}

func (l *limitMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	release, err := l.acquire(ctx, l.limits.Accounts)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.ListAccounts(ctx)
}

func (l *limitMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Accounts)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.UpdateAccount(ctx, req)
}

func (l *limitMiddleware) Deposit(ctx context.Context, req DepositReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Transactions)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Deposit(ctx, req)
}

func (l *limitMiddleware) Withdraw(ctx context.Context, req WithdrawReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Transactions)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Withdraw(ctx, req)
}

func (l *limitMiddleware) Transfer(ctx context.Context, req TransferReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Transactions)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Transfer(ctx, req)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	release, err := l.acquire(ctx, l.limits.Accounts)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, req)
}

type ServiceBreaker struct {
	Accounts     *gobreaker.TwoStepCircuitBreaker[any]
	Transactions *gobreaker.TwoStepCircuitBreaker[any]
}

func NewServiceBreaker(cfg BreakerConfig, log *zerolog.Logger) *ServiceBreaker {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}
	}
	return &ServiceBreaker{
		Accounts:     gobreaker.NewTwoStepCircuitBreaker[any](settings("accounts")),
		Transactions: gobreaker.NewTwoStepCircuitBreaker[any](settings("transactions")),
	}
}

// circuitBreakMiddleware is a middleware that implements the circuit breaker pattern.
// It works in conjunction with limitMiddleware: when storage keeps failing or the
// limiter keeps timing out, the breaker opens and requests fail fast until it
// half-opens again. Client errors never count as failures.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func guard(cb *gobreaker.TwoStepCircuitBreaker[any], fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return fmt.Errorf("%s breaker: %w", cb.Name(), ErrServiceUnavailable)
	}
	err = fn()
	done(err == nil || IsClientError(err) || errors.Is(err, context.Canceled))
	return err
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (acct *Account, err error) {
	err = guard(c.brkrs.Accounts, func() error {
		acct, err = c.next.CreateAccount(ctx, req)
		return err
	})
	return acct, err
}

func (c *circuitBreakMiddleware) GetAccount(ctx context.Context, number int64) (acct *Account, err error) {
	err = guard(c.brkrs.Accounts, func() error {
		acct, err = c.next.GetAccount(ctx, number)
		return err
	})
	return acct, err
}

func (c *circuitBreakMiddleware) ListAccounts(ctx context.Context) (accts []Account, err error) {
	err = guard(c.brkrs.Accounts, func() error {
		accts, err = c.next.ListAccounts(ctx)
		return err
	})
	return accts, err
}

func (c *circuitBreakMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (acct *Account, err error) {
	err = guard(c.brkrs.Accounts, func() error {
		acct, err = c.next.UpdateAccount(ctx, req)
		return err
	})
	return acct, err
}

func (c *circuitBreakMiddleware) Deposit(ctx context.Context, req DepositReq) (txn *Transaction, err error) {
	err = guard(c.brkrs.Transactions, func() error {
		txn, err = c.next.Deposit(ctx, req)
		return err
	})
	return txn, err
}

func (c *circuitBreakMiddleware) Withdraw(ctx context.Context, req WithdrawReq) (txn *Transaction, err error) {
	err = guard(c.brkrs.Transactions, func() error {
		txn, err = c.next.Withdraw(ctx, req)
		return err
	})
	return txn, err
}

func (c *circuitBreakMiddleware) Transfer(ctx context.Context, req TransferReq) (txn *Transaction, err error) {
	err = guard(c.brkrs.Transactions, func() error {
		txn, err = c.next.Transfer(ctx, req)
		return err
	})
	return txn, err
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	return guard(c.brkrs.Accounts, func() error {
		return c.next.Statement(ctx, w, req)
	})
}
