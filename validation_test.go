package bankapi_test

import (
	"math/rand"
	"testing"

	"github.com/arhyth/bankapi"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withdrawal(balance, limit, amount decimal.Decimal) *bankapi.Transaction {
	src := &bankapi.Account{Number: 1, Balance: balance, SpecialLimit: limit}
	return bankapi.NewTransaction(0, bankapi.TransactionWithdraw, amount, src, nil)
}

func TestValidateAvailableBalance(t *testing.T) {
	cases := []struct {
		name    string
		balance string
		limit   string
		amount  string
		ok      bool
	}{
		{"amount below balance", "1000", "0", "999.99", true},
		{"amount equal to balance", "1000", "0", "1000", true},
		{"amount one above balance", "1000", "0", "1001", false},
		{"limit covers the difference", "100", "50", "150", true},
		{"limit falls one cent short", "100", "50", "150.01", false},
		{"negative balance within limit", "-40", "50", "10", true},
		{"negative balance beyond limit", "-40", "50", "10.01", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(tt *testing.T) {
			err := bankapi.ValidateAvailableBalance(withdrawal(dec(c.balance), dec(c.limit), dec(c.amount)))
			if c.ok {
				assert.NoError(tt, err)
				return
			}
			ib := bankapi.ErrInsufficientBalance{}
			require.ErrorAs(tt, err, &ib)
			assertDecimal(tt, c.amount, ib.Required)
			assertDecimal(tt, dec(c.balance).Add(dec(c.limit)).String(), ib.Available)
		})
	}

	t.Run("missing source account is an invalid argument", func(tt *testing.T) {
		txn := bankapi.NewTransaction(0, bankapi.TransactionDeposit, dec("1"), nil, &bankapi.Account{Number: 1})
		assert.ErrorAs(tt, bankapi.ValidateAvailableBalance(txn), &bankapi.ErrBadRequest{})
		assert.ErrorAs(tt, bankapi.ValidateAvailableBalance(nil), &bankapi.ErrBadRequest{})
	})

	t.Run("passes exactly when balance plus limit covers the amount", func(tt *testing.T) {
		rnd := rand.New(rand.NewSource(42))
		cents := func(max int64) decimal.Decimal {
			return decimal.New(rnd.Int63n(max), -2)
		}
		for i := 0; i < 2000; i++ {
			balance := cents(2_000_00).Sub(decimal.NewFromInt(500))
			limit := cents(1_000_00)
			amount := cents(3_000_00).Add(decimal.New(1, -2))
			if i%10 == 0 {
				// land on the boundary
				amount = balance.Add(limit)
			}
			err := bankapi.ValidateAvailableBalance(withdrawal(balance, limit, amount))
			covered := balance.Add(limit).GreaterThanOrEqual(amount)
			if covered {
				assert.NoErrorf(tt, err, "balance=%s limit=%s amount=%s", balance, limit, amount)
			} else {
				assert.ErrorAsf(tt, err, &bankapi.ErrInsufficientBalance{}, "balance=%s limit=%s amount=%s", balance, limit, amount)
			}
		}
	})
}
