package bankapi

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInternalServer     = errors.New("internal server error")
	ErrServiceUnavailable = errors.New("service unavailable")
)

type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

func badRequest(field, msg string) ErrBadRequest {
	return ErrBadRequest{Fields: map[string]string{field: msg}}
}

type ErrNotFound struct {
	Resource string `json:"resource"`
	Key      string `json:"key"`
}

func (e ErrNotFound) Error() string {
	if e.Resource == "" {
		return "record not found"
	}
	return fmt.Sprintf("%s `%s` not found", e.Resource, e.Key)
}

// ErrInsufficientBalance is returned when a debit exceeds balance plus special limit.
type ErrInsufficientBalance struct {
	Available decimal.Decimal `json:"available"`
	Required  decimal.Decimal `json:"required"`
}

func (e ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, required %s", e.Available, e.Required)
}

// IsClientError reports whether err is caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.As(err, &ErrBadRequest{}) ||
		errors.As(err, &ErrNotFound{}) ||
		errors.As(err, &ErrInsufficientBalance{})
}
