package bankapi

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
)

// LocalHelper prepares a local or test database: schema, teardown and seed accounts.
type LocalHelper struct {
	Conn    *pgx.Conn
	Node    *snowflake.Node
	Seed    []SeedAccount
	DataDir string
}

type seedRow struct {
	ID           int64
	Name         string
	Number       int64
	Balance      string
	SpecialLimit string
}

func NewLocalHelper(ctx context.Context, cfg *Config) (*LocalHelper, error) {
	conn, err := pgx.Connect(ctx, cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return &LocalHelper{
		Conn:    conn,
		Node:    node,
		Seed:    cfg.Seed,
		DataDir: "testdata",
	}, nil
}

// InitDB creates the schema. The returned func drops it and closes the connection.
func (lh *LocalHelper) InitDB(ctx context.Context) (func(), error) {
	bits, err := os.ReadFile(filepath.Join(lh.DataDir, "init_db.sql"))
	if err != nil {
		return nil, err
	}
	if _, err = lh.Conn.Exec(ctx, string(bits)); err != nil {
		return nil, err
	}
	return lh.teardownDB(), err
}

// SeedAccounts inserts the configured accounts, skipping numbers that already exist.
func (lh *LocalHelper) SeedAccounts(ctx context.Context) error {
	if len(lh.Seed) == 0 {
		return nil
	}
	funcMap := template.FuncMap{
		"quote": func(s string) string {
			return "'" + strings.ReplaceAll(s, "'", "''") + "'"
		},
		"last": func(i int) bool { return i == len(lh.Seed)-1 },
	}
	bits, err := os.ReadFile(filepath.Join(lh.DataDir, "seed_accounts.tmpl"))
	if err != nil {
		return err
	}
	tmpl, err := template.New("seed_accounts").Funcs(funcMap).Parse(string(bits))
	if err != nil {
		return err
	}

	rows := make([]seedRow, 0, len(lh.Seed))
	for _, s := range lh.Seed {
		if s.SpecialLimit.IsNegative() || s.Balance.Add(s.SpecialLimit).IsNegative() {
			return fmt.Errorf("seed account %d: balance exceeds special limit", s.Number)
		}
		rows = append(rows, seedRow{
			ID:           lh.Node.Generate().Int64(),
			Name:         s.Name,
			Number:       s.Number,
			Balance:      s.Balance.String(),
			SpecialLimit: s.SpecialLimit.String(),
		})
	}
	buf := new(bytes.Buffer)
	if err = tmpl.Execute(buf, rows); err != nil {
		return err
	}

	_, err = lh.Conn.Exec(ctx, buf.String())
	return err
}

func (lh *LocalHelper) teardownDB() func() {
	return func() {
		ctx := context.Background()
		defer lh.Conn.Close(ctx)

		bits, err := os.ReadFile(filepath.Join(lh.DataDir, "teardown_db.sql"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup read teardown sql: %s", err.Error())
			return
		}
		if _, err = lh.Conn.Exec(ctx, string(bits)); err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup exec teardown sql: %s", err.Error())
			return
		}
	}
}
