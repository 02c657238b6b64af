package bankapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	pgUniqueViolation   = "23505"
	pgCheckViolation    = "23514"
	pgNumericOutOfRange = "22003"
)

var (
	pgInsertAcctSQL = `
		INSERT INTO accounts (id, name, number, balance, special_limit)
		VALUES ($1, $2, $3, $4, $5);
	`

	pgSelectAcctByIDSQL = `
		SELECT id, name, number, balance, special_limit
		FROM accounts
		WHERE id = $1;
	`

	pgSelectForUpdateAcctByIDSQL = `
		SELECT id, name, number, balance, special_limit
		FROM accounts
		WHERE id = $1
		FOR UPDATE;
	`

	pgSelectAcctByNumberSQL = `
		SELECT id, name, number, balance, special_limit
		FROM accounts
		WHERE number = $1;
	`

	pgSelectForUpdateAcctSQL = `
		SELECT id, name, number, balance, special_limit
		FROM accounts
		WHERE number = $1
		FOR UPDATE;
	`

	pgSelectAcctsSQL = `
		SELECT id, name, number, balance, special_limit
		FROM accounts
		ORDER BY number;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET name = $1, balance = $2, special_limit = $3
		WHERE id = $4 AND number = $5;
	`

	pgUpdateAcctDetailsSQL = `
		UPDATE accounts
		SET name = $1, special_limit = $2
		WHERE id = $3 AND number = $4;
	`

	pgInsertTxnSQL = `
		INSERT INTO transactions (id, typ, amount, source_number, receiver_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`

	pgSelectTxnsSQL = `
		SELECT t.id, t.typ, t.amount, t.created_at,
			t.source_number, src.name,
			t.receiver_number, rcv.name
		FROM transactions t
		LEFT JOIN accounts src ON src.number = t.source_number
		LEFT JOIN accounts rcv ON rcv.number = t.receiver_number
		WHERE t.source_number = $1 OR t.receiver_number = $1
		ORDER BY t.created_at, t.id;
	`
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresEndpoint struct {
	pool *pgxpool.Pool
	q    querier
	log  *zerolog.Logger
}

var (
	_ Repository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(ctx context.Context, connStr string, log *zerolog.Logger) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool: pool,
		q:    pool,
		log:  log,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) Close() {
	if pg.pool != nil {
		pg.pool.Close()
	}
}

func (pg *PostgresEndpoint) WithinTx(ctx context.Context, fn func(Repository) error) error {
	if pg.pool == nil {
		// already inside a unit of work
		return fn(pg)
	}
	tx, err := pg.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err = fn(&PostgresEndpoint{q: tx, log: pg.log}); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			pg.log.Err(rerr).Msg("transaction rollback fail")
		}
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (pg *PostgresEndpoint) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := pg.q.Exec(ctx, pgInsertAcctSQL, acct.ID.Int64(), acct.Name, acct.Number, acct.Balance, acct.SpecialLimit)
	if err != nil {
		if cerr := pgClientError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (pg *PostgresEndpoint) GetAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	row := pg.q.QueryRow(ctx, pgSelectAcctByIDSQL, id.Int64())
	return scanAccount(row, id.String())
}

func (pg *PostgresEndpoint) LockAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	row := pg.q.QueryRow(ctx, pgSelectForUpdateAcctByIDSQL, id.Int64())
	return scanAccount(row, id.String())
}

func (pg *PostgresEndpoint) GetAccountByNumber(ctx context.Context, number int64) (*Account, error) {
	row := pg.q.QueryRow(ctx, pgSelectAcctByNumberSQL, number)
	return scanAccount(row, strconv.FormatInt(number, 10))
}

func (pg *PostgresEndpoint) LockAccountByNumber(ctx context.Context, number int64) (*Account, error) {
	row := pg.q.QueryRow(ctx, pgSelectForUpdateAcctSQL, number)
	return scanAccount(row, strconv.FormatInt(number, 10))
}

func (pg *PostgresEndpoint) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := pg.q.Query(ctx, pgSelectAcctsSQL)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	accts := []Account{}
	for rows.Next() {
		acct, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accts = append(accts, *acct)
	}
	return accts, rows.Err()
}

func (pg *PostgresEndpoint) UpdateAccount(ctx context.Context, acct *Account) error {
	tag, err := pg.q.Exec(ctx, pgUpdateAcctSQL, acct.Name, acct.Balance, acct.SpecialLimit, acct.ID.Int64(), acct.Number)
	if err != nil {
		if cerr := pgClientError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{Resource: "account", Key: acct.ID.String()}
	}
	return nil
}

func (pg *PostgresEndpoint) UpdateAccountDetails(ctx context.Context, acct *Account) error {
	tag, err := pg.q.Exec(ctx, pgUpdateAcctDetailsSQL, acct.Name, acct.SpecialLimit, acct.ID.Int64(), acct.Number)
	if err != nil {
		if cerr := pgClientError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("update account details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{Resource: "account", Key: acct.ID.String()}
	}
	return nil
}

func (pg *PostgresEndpoint) CreateTransaction(ctx context.Context, txn *Transaction) error {
	_, err := pg.q.Exec(ctx, pgInsertTxnSQL,
		txn.ID.Int64(),
		string(txn.Type),
		txn.Amount,
		txn.SourceNumber(),
		txn.ReceiverNumber(),
		txn.CreatedAt,
	)
	if err != nil {
		if cerr := pgClientError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (pg *PostgresEndpoint) ListTransactions(ctx context.Context, number int64) ([]Transaction, error) {
	rows, err := pg.q.Query(ctx, pgSelectTxnsSQL, number)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	txns := []Transaction{}
	for rows.Next() {
		var (
			id      int64
			typ     string
			txn     Transaction
			srcNum  *int64
			srcName *string
			rcvNum  *int64
			rcvName *string
		)
		if err = rows.Scan(&id, &typ, &txn.Amount, &txn.CreatedAt, &srcNum, &srcName, &rcvNum, &rcvName); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.ID = snowflake.ParseInt64(id)
		txn.Type = TransactionType(typ)
		txn.SourceAccount = accountRef(srcNum, srcName)
		txn.ReceiverAccount = accountRef(rcvNum, rcvName)
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// pgClientError maps constraint and range violations caused by request values to
// ErrBadRequest. It returns nil for every other error.
func pgClientError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return badRequest("number", "already exists")
	case pgCheckViolation:
		return badRequest(pgErr.ConstraintName, "constraint violated")
	case pgNumericOutOfRange:
		return badRequest("amount", "out of range")
	}
	return nil
}

func scanAccount(row pgx.Row, key string) (*Account, error) {
	var (
		id   int64
		acct Account
	)
	if err := row.Scan(&id, &acct.Name, &acct.Number, &acct.Balance, &acct.SpecialLimit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{Resource: "account", Key: key}
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acct.ID = snowflake.ParseInt64(id)
	return &acct, nil
}

func accountRef(number *int64, name *string) *Account {
	if number == nil {
		return nil
	}
	ref := &Account{Number: *number}
	if name != nil {
		ref.Name = *name
	}
	return ref
}
