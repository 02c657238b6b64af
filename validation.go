package bankapi

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidateAvailableBalance checks that the source account of txn can cover its amount
// using balance plus special limit. A balance exactly equal to the amount passes.
func ValidateAvailableBalance(txn *Transaction) error {
	if txn == nil || txn.SourceAccount == nil {
		return badRequest("sourceAccount", "missing")
	}
	available := txn.SourceAccount.BalanceWithLimit()
	if available.LessThan(txn.Amount) {
		return ErrInsufficientBalance{
			Available: available,
			Required:  txn.Amount,
		}
	}
	return nil
}

const moneyScale = 4

// maxMoney is the first magnitude a NUMERIC(19,4) column cannot hold.
var maxMoney = decimal.New(1, 19-moneyScale)

// checkMoney records in fields why d cannot be stored as an exact money value.
// An existing message for field is kept.
func checkMoney(fields map[string]string, field string, d decimal.Decimal) {
	if _, ok := fields[field]; ok {
		return
	}
	switch {
	case !d.Equal(d.Truncate(moneyScale)):
		fields[field] = fmt.Sprintf("must have at most %d decimal places", moneyScale)
	case d.Abs().GreaterThanOrEqual(maxMoney):
		fields[field] = "out of range"
	}
}
