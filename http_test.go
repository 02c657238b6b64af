package bankapi_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arhyth/bankapi"
	"github.com/arhyth/bankapi/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeObject(tt *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	tt.Helper()
	var m map[string]any
	require.NoError(tt, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

// newMemoryHandler wires the full middleware chain over a memory store.
func newMemoryHandler(tt *testing.T, accts ...bankapi.CreateAccountReq) http.Handler {
	tt.Helper()
	svc, _ := newMemoryService(tt, accts...)
	log := zerolog.Nop()
	chained := bankapi.Chain(svc,
		bankapi.NewValidationMiddleware(),
		bankapi.NewCacheMiddleware(newMapCache()),
		bankapi.NewCircuitBreakMiddleware(bankapi.NewServiceBreaker(bankapi.BreakerConfig{ConsecutiveFailures: 5}, &log)),
		bankapi.NewLimitMiddleware(bankapi.NewServiceLimits(bankapi.LimitsConfig{Accounts: 8, Transactions: 8})),
	)
	return bankapi.NewHTTPHandler(chained, &log)
}

func TestHTTPAccounts(t *testing.T) {
	t.Run("GET /account returns an empty array when there are no accounts", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodGet, "/account", "")
		assert.Equal(tt, http.StatusOK, rec.Code)
		assert.JSONEq(tt, `[]`, rec.Body.String())
	})

	t.Run("POST /account creates an account", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPost, "/account", `{"name":"Alice","number":1001,"balance":100.5,"specialLimit":50}`)
		require.Equal(tt, http.StatusCreated, rec.Code, rec.Body.String())
		as.Equal("application/json", rec.Header().Get("Content-Type"))

		body := decodeObject(tt, rec)
		as.Equal("Alice", body["name"])
		as.EqualValues(1001, body["number"])
		as.EqualValues(100.5, body["balance"])
		as.EqualValues(50, body["specialLimit"])
		as.EqualValues(150.5, body["balanceWithLimit"])
		as.NotEmpty(body["id"])

		rec = serve(h, http.MethodGet, "/account", "")
		var list []map[string]any
		require.NoError(tt, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(tt, list, 1)
		as.EqualValues(1001, list[0]["number"])
	})

	t.Run("POST /account returns 400 on missing fields", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPost, "/account", `{"number":1001,"balance":0}`)
		as.Equal(http.StatusBadRequest, rec.Code)

		fields, ok := decodeObject(tt, rec)["fields"].(map[string]any)
		require.True(tt, ok)
		as.Contains(fields, "name")
		as.Contains(fields, "specialLimit")
	})

	t.Run("POST /account returns 400 on malformed JSON", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPost, "/account", `{"name":`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)
	})

	t.Run("POST /account returns 400 on duplicate number", func(tt *testing.T) {
		h := newMemoryHandler(tt, account("Alice", 1001, "0", "0"))
		rec := serve(h, http.MethodPost, "/account", `{"name":"Eve","number":1001,"balance":0,"specialLimit":0}`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)
	})

	t.Run("GET /account/{number} returns the account", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt, account("Alice", 1001, "1000", "0"))
		rec := serve(h, http.MethodGet, "/account/1001", "")
		require.Equal(tt, http.StatusOK, rec.Code)
		body := decodeObject(tt, rec)
		as.EqualValues(1001, body["number"])
		as.EqualValues(1000, body["balance"])
		as.Equal("Alice", body["name"])
	})

	t.Run("GET /account/{number} returns 404 with an empty body", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodGet, "/account/1001", "")
		assert.Equal(tt, http.StatusNotFound, rec.Code)
		assert.Empty(tt, rec.Body.String())
	})

	t.Run("PUT /account/{id} updates name and limit", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPost, "/account", `{"name":"Alice","number":1001,"balance":10,"specialLimit":0}`)
		require.Equal(tt, http.StatusCreated, rec.Code)
		id := decodeObject(tt, rec)["id"]

		rec = serve(h, http.MethodPut, fmt.Sprintf("/account/%v", id), `{"name":"Alice B.","number":1001,"balance":99999,"specialLimit":25}`)
		require.Equal(tt, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeObject(tt, rec)
		as.Equal("Alice B.", body["name"])
		as.EqualValues(10, body["balance"])
		as.EqualValues(25, body["specialLimit"])

		rec = serve(h, http.MethodGet, "/account/1001", "")
		as.Equal("Alice B.", decodeObject(tt, rec)["name"])
	})

	t.Run("GET /account/{number} returns 404 with an empty body beyond int64", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodGet, "/account/99999999999999999999", "")
		assert.Equal(tt, http.StatusNotFound, rec.Code)
		assert.Empty(tt, rec.Body.String())
	})

	t.Run("PUT /account/{id} returns 404 Not found on an id beyond int64", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPut, "/account/99999999999999999999", `{"name":"Ghost","number":1,"specialLimit":0}`)
		as.Equal(http.StatusNotFound, rec.Code)
		as.Equal("Not found", rec.Body.String())
	})

	t.Run("POST /account returns 400 on a balance finer than four decimal places", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPost, "/account", `{"name":"Alice","number":1001,"balance":1.00001,"specialLimit":0}`)
		as.Equal(http.StatusBadRequest, rec.Code)
		fields, ok := decodeObject(tt, rec)["fields"].(map[string]any)
		require.True(tt, ok)
		as.Contains(fields, "balance")

		rec = serve(h, http.MethodGet, "/account/1001", "")
		as.Equal(http.StatusNotFound, rec.Code)
	})

	t.Run("PUT /account/{id} returns 404 Not found on unknown id", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPut, "/account/42", `{"name":"Ghost","number":1,"specialLimit":0}`)
		as.Equal(http.StatusNotFound, rec.Code)
		as.True(strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
		as.Equal("Not found", rec.Body.String())
	})

	t.Run("PUT /account/{id} checks the body before the id", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPut, "/account/42", `{"number":1}`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)
	})

	t.Run("GET /account/{number}/statement returns a PDF", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt, account("Alice", 1001, "1000", "0"))
		rec := serve(h, http.MethodPost, "/transaction/deposit", `{"receiverAccountNumber":1001,"amount":5}`)
		require.Equal(tt, http.StatusCreated, rec.Code)

		rec = serve(h, http.MethodGet, "/account/1001/statement", "")
		require.Equal(tt, http.StatusOK, rec.Code)
		as.Equal("application/pdf", rec.Header().Get("Content-Type"))
		as.True(strings.HasPrefix(rec.Body.String(), "%PDF"))
	})

	t.Run("GET /account/{number}/statement returns 404 on unknown account", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodGet, "/account/1001/statement", "")
		assert.Equal(tt, http.StatusNotFound, rec.Code)
	})

	t.Run("GET /account/{number}/statement returns 404 beyond int64", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodGet, "/account/99999999999999999999/statement", "")
		assert.Equal(tt, http.StatusNotFound, rec.Code)
	})
}

func TestHTTPTransactions(t *testing.T) {
	t.Run("POST /transaction/deposit returns the receiver view", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt, account("Bob", 2002, "1000", "0"))
		rec := serve(h, http.MethodPost, "/transaction/deposit", `{"receiverAccountNumber":2002,"amount":250}`)
		require.Equal(tt, http.StatusCreated, rec.Code, rec.Body.String())

		body := decodeObject(tt, rec)
		as.Equal("DEPOSIT", body["type"])
		as.EqualValues(250, body["amount"])
		as.NotContains(body, "sourceAccount")
		as.NotEmpty(body["createdAt"])
		receiver, ok := body["receiverAccount"].(map[string]any)
		require.True(tt, ok)
		as.EqualValues(2002, receiver["number"])
		as.EqualValues(1250, receiver["balance"])
	})

	t.Run("POST /transaction/deposit returns 400 on unknown account", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodPost, "/transaction/deposit", `{"receiverAccountNumber":2002,"amount":250}`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)
	})

	t.Run("POST /transaction/deposit returns 400 on non-positive amount", func(tt *testing.T) {
		h := newMemoryHandler(tt, account("Bob", 2002, "1000", "0"))
		for _, amt := range []string{"0", "-1"} {
			rec := serve(h, http.MethodPost, "/transaction/deposit", `{"receiverAccountNumber":2002,"amount":`+amt+`}`)
			assert.Equal(tt, http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("POST /transaction/deposit returns 400 on an amount finer than four decimal places", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt, account("Bob", 2002, "1000", "0"))
		rec := serve(h, http.MethodPost, "/transaction/deposit", `{"receiverAccountNumber":2002,"amount":0.00001}`)
		as.Equal(http.StatusBadRequest, rec.Code)
		fields, ok := decodeObject(tt, rec)["fields"].(map[string]any)
		require.True(tt, ok)
		as.Contains(fields, "amount")

		rec = serve(h, http.MethodGet, "/account/2002", "")
		require.Equal(tt, http.StatusOK, rec.Code)
		as.EqualValues(1000, decodeObject(tt, rec)["balance"])
	})

	t.Run("POST /transaction/withdraw honours the balance", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt, account("Alice", 1001, "1000", "0"))

		rec := serve(h, http.MethodPost, "/transaction/withdraw", `{"sourceAccountNumber":1001,"amount":1001}`)
		as.Equal(http.StatusBadRequest, rec.Code)

		rec = serve(h, http.MethodPost, "/transaction/withdraw", `{"sourceAccountNumber":1001,"amount":1000}`)
		require.Equal(tt, http.StatusCreated, rec.Code, rec.Body.String())
		body := decodeObject(tt, rec)
		as.Equal("WITHDRAW", body["type"])
		as.NotContains(body, "receiverAccount")
		source, ok := body["sourceAccount"].(map[string]any)
		require.True(tt, ok)
		as.EqualValues(1001, source["number"])
		as.EqualValues(0, source["balance"])
	})

	t.Run("POST /transaction/transfer returns both accounts", func(tt *testing.T) {
		as := assert.New(tt)
		h := newMemoryHandler(tt,
			account("Alice", 1001, "500", "0"),
			account("Bob", 2002, "1000", "0"),
		)
		rec := serve(h, http.MethodPost, "/transaction/transfer", `{"sourceAccountNumber":1001,"receiverAccountNumber":2002,"amount":200}`)
		require.Equal(tt, http.StatusCreated, rec.Code, rec.Body.String())

		body := decodeObject(tt, rec)
		as.Equal("TRANSFER", body["type"])
		source := body["sourceAccount"].(map[string]any)
		receiver := body["receiverAccount"].(map[string]any)
		as.EqualValues(300, source["balance"])
		as.EqualValues(1200, receiver["balance"])

		rec = serve(h, http.MethodGet, "/account/1001", "")
		as.EqualValues(300, decodeObject(tt, rec)["balance"])
	})

	t.Run("POST /transaction/transfer returns 400 on missing account or balance", func(tt *testing.T) {
		h := newMemoryHandler(tt, account("Alice", 1001, "500", "0"))
		rec := serve(h, http.MethodPost, "/transaction/transfer", `{"sourceAccountNumber":1001,"receiverAccountNumber":2002,"amount":1}`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)

		rec = serve(h, http.MethodPost, "/transaction/transfer", `{"sourceAccountNumber":1001,"receiverAccountNumber":1001,"amount":1}`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)

		rec = serve(h, http.MethodPost, "/transaction/transfer", `{"sourceAccountNumber":1001,"amount":1}`)
		assert.Equal(tt, http.StatusBadRequest, rec.Code)
	})
}

func TestHTTPInterest(t *testing.T) {
	t.Run("GET /interest computes compound interest", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		rec := serve(h, http.MethodGet, "/interest?principal=1000&rate=1.5&periods=6", "")
		require.Equal(tt, http.StatusOK, rec.Code)
		assert.JSONEq(tt, `{"interest":93.44}`, rec.Body.String())
	})

	t.Run("GET /interest returns 400 on invalid parameters", func(tt *testing.T) {
		h := newMemoryHandler(tt)
		for _, q := range []string{"", "principal=abc&rate=1&periods=1", "principal=1&rate=1&periods=-1"} {
			rec := serve(h, http.MethodGet, "/interest?"+q, "")
			assert.Equal(tt, http.StatusBadRequest, rec.Code, q)
		}
	})
}

func TestHTTPErrors(t *testing.T) {
	log := zerolog.Nop()

	t.Run("unexpected errors return 500", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			ListAccounts(gomock.Any()).
			Return(nil, errors.New("connection reset"))

		rec := serve(bankapi.NewHTTPHandler(svc, &log), http.MethodGet, "/account", "")
		as.Equal(http.StatusInternalServerError, rec.Code)
		as.JSONEq(`{"message":"server error"}`, rec.Body.String())
	})

	t.Run("shed load returns 503", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Transfer(gomock.Any(), gomock.Any()).
			Return(nil, fmt.Errorf("transactions breaker: %w", bankapi.ErrServiceUnavailable))

		rec := serve(bankapi.NewHTTPHandler(svc, &log), http.MethodPost, "/transaction/transfer", `{"sourceAccountNumber":1,"receiverAccountNumber":2,"amount":1}`)
		assert.Equal(tt, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("unknown routes return 404", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		rec := serve(bankapi.NewHTTPHandler(svc, &log), http.MethodGet, "/accounts/1/balance", "")
		assert.Equal(tt, http.StatusNotFound, rec.Code)
	})

	t.Run("responses carry a request id", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().ListAccounts(gomock.Any()).Return([]bankapi.Account{}, nil)
		rec := serve(bankapi.NewHTTPHandler(svc, &log), http.MethodGet, "/account", "")
		assert.NotEmpty(tt, rec.Header().Get("X-Request-Id"))
	})
}
