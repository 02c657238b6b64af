package bankapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const requestIDHeader = "X-Request-Id"

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

type accountJSONReq struct {
	Name         *string          `json:"name" validate:"required,min=1,max=255"`
	Number       *int64           `json:"number" validate:"required,gt=0"`
	Balance      *decimal.Decimal `json:"balance" validate:"required"`
	SpecialLimit *decimal.Decimal `json:"specialLimit" validate:"required,gte=0"`
}

type updateAccountJSONReq struct {
	Name         *string          `json:"name" validate:"required,min=1,max=255"`
	Number       *int64           `json:"number" validate:"required,gt=0"`
	Balance      *decimal.Decimal `json:"balance"`
	SpecialLimit *decimal.Decimal `json:"specialLimit" validate:"required,gte=0"`
}

type depositJSONReq struct {
	ReceiverAccountNumber *int64           `json:"receiverAccountNumber" validate:"required,gt=0"`
	Amount                *decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type withdrawJSONReq struct {
	SourceAccountNumber *int64           `json:"sourceAccountNumber" validate:"required,gt=0"`
	Amount              *decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type transferJSONReq struct {
	SourceAccountNumber   *int64           `json:"sourceAccountNumber" validate:"required,gt=0"`
	ReceiverAccountNumber *int64           `json:"receiverAccountNumber" validate:"required,gt=0,nefield=SourceAccountNumber"`
	Amount                *decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type accountJSONResp struct {
	ID               snowflake.ID    `json:"id"`
	Name             string          `json:"name"`
	Number           int64           `json:"number"`
	Balance          decimal.Decimal `json:"balance"`
	SpecialLimit     decimal.Decimal `json:"specialLimit"`
	BalanceWithLimit decimal.Decimal `json:"balanceWithLimit"`
}

type accountRefJSONResp struct {
	Name    string           `json:"name,omitempty"`
	Number  int64            `json:"number"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

type transactionJSONResp struct {
	ID              snowflake.ID        `json:"id"`
	Type            TransactionType     `json:"type"`
	Amount          decimal.Decimal     `json:"amount"`
	SourceAccount   *accountRefJSONResp `json:"sourceAccount,omitempty"`
	ReceiverAccount *accountRefJSONResp `json:"receiverAccount,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
}

type interestJSONResp struct {
	Interest decimal.Decimal `json:"interest"`
}

func newAccountJSONResp(acct *Account) accountJSONResp {
	return accountJSONResp{
		ID:               acct.ID,
		Name:             acct.Name,
		Number:           acct.Number,
		Balance:          acct.Balance,
		SpecialLimit:     acct.SpecialLimit,
		BalanceWithLimit: acct.BalanceWithLimit(),
	}
}

func newAccountRefJSONResp(acct *Account) *accountRefJSONResp {
	if acct == nil {
		return nil
	}
	bal := acct.Balance
	return &accountRefJSONResp{
		Name:    acct.Name,
		Number:  acct.Number,
		Balance: &bal,
	}
}

func newTransactionJSONResp(txn *Transaction) transactionJSONResp {
	return transactionJSONResp{
		ID:              txn.ID,
		Type:            txn.Type,
		Amount:          txn.Amount,
		SourceAccount:   newAccountRefJSONResp(txn.SourceAccount),
		ReceiverAccount: newAccountRefJSONResp(txn.ReceiverAccount),
		CreatedAt:       txn.CreatedAt,
	}
}

// NewValidator returns a validator that reports fields by their JSON names and
// compares decimals as numbers.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	hndlr := &httpHandler{
		Svc:      svc,
		Log:      log,
		Validate: NewValidator(),
	}
	mux := chi.NewMux()
	mux.Use(
		hlog.NewHandler(*log),
		requestID,
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
	)
	mux.NotFound(HTTPNotFound)
	mux.Route("/account", func(r chi.Router) {
		r.Get("/", hndlr.ListAccounts)
		r.Post("/", hndlr.CreateAccount)
		// GET addresses an account by number, PUT by id
		r.Route("/{acctKey:[0-9]+}", func(rr chi.Router) {
			rr.Get("/", hndlr.GetAccount)
			rr.Put("/", hndlr.UpdateAccount)
			rr.Get("/statement", hndlr.Statement)
		})
	})
	mux.Route("/transaction", func(r chi.Router) {
		r.Post("/deposit", hndlr.Deposit)
		r.Post("/withdraw", hndlr.Withdraw)
		r.Post("/transfer", hndlr.Transfer)
	})
	mux.Get("/interest", hndlr.Interest)

	return mux
}

// requestID tags the request and its logger with a uuid unless the caller
// already sent one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("req_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

type httpHandler struct {
	Svc      Service
	Log      *zerolog.Logger
	Validate *validator.Validate
}

// decode reads a JSON body into dst and validates it. Any failure is an ErrBadRequest
// except a failed body read.
func (h *httpHandler) decode(r *http.Request, method string, dst any) error {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		return ErrInternalServer
	}
	if err = json.Unmarshal(buf, dst); err != nil {
		h.Log.Debug().Err(err).Str("method", method).Msg("error unmarshalling JSON")
		return ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}}
	}
	if err = h.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = validationMessage(fe)
		}
		return ErrBadRequest{Fields: fields}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must not be less than " + fe.Param()
	case "nefield":
		return "must differ from " + fe.Param()
	}
	return fmt.Sprintf("invalid (%s)", fe.Tag())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *httpHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Svc.ListAccounts(r.Context())
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	resp := make([]accountJSONResp, 0, len(accts))
	for i := range accts {
		resp = append(resp, newAccountJSONResp(&accts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	// the route only matches digits, so a parse error means no account can hold this number
	number, err := strconv.ParseInt(chi.URLParam(r, "acctKey"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	acct, err := h.Svc.GetAccount(r.Context(), number)
	if err != nil {
		if errors.As(err, &ErrNotFound{}) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountJSONResp(acct))
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountJSONReq
	if err := h.decode(r, "createAccount", &req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	acct, err := h.Svc.CreateAccount(r.Context(), CreateAccountReq{
		Name:         *req.Name,
		Number:       *req.Number,
		Balance:      *req.Balance,
		SpecialLimit: *req.SpecialLimit,
	})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountJSONResp(acct))
}

func (h *httpHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountJSONReq
	if err := h.decode(r, "updateAccount", &req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	acctID, err := snowflake.ParseString(chi.URLParam(r, "acctKey"))
	if err != nil {
		writeTextNotFound(w)
		return
	}
	acct, err := h.Svc.UpdateAccount(r.Context(), UpdateAccountReq{
		ID:           acctID,
		Name:         *req.Name,
		Number:       *req.Number,
		SpecialLimit: *req.SpecialLimit,
	})
	if err != nil {
		if errors.As(err, &ErrNotFound{}) {
			writeTextNotFound(w)
			return
		}
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountJSONResp(acct))
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "acctKey"), 10, 64)
	if err != nil {
		WriteHTTPError(w, ErrNotFound{Resource: "account", Key: chi.URLParam(r, "acctKey")})
		return
	}
	// render into a buffer first so a failure can still produce a JSON error
	buf := &bytes.Buffer{}
	if err = h.Svc.Statement(r.Context(), buf, StatementReq{Number: number}); err != nil {
		WriteHTTPError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=statement-%d.pdf", number))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(buf.Bytes()); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing PDF")
	}
}

func (h *httpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositJSONReq
	if err := h.decode(r, "deposit", &req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	txn, err := h.Svc.Deposit(r.Context(), DepositReq{
		ReceiverNumber: *req.ReceiverAccountNumber,
		Amount:         *req.Amount,
	})
	if err != nil {
		writeTxnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionJSONResp(txn))
}

func (h *httpHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawJSONReq
	if err := h.decode(r, "withdraw", &req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	txn, err := h.Svc.Withdraw(r.Context(), WithdrawReq{
		SourceNumber: *req.SourceAccountNumber,
		Amount:       *req.Amount,
	})
	if err != nil {
		writeTxnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionJSONResp(txn))
}

func (h *httpHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferJSONReq
	if err := h.decode(r, "transfer", &req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	txn, err := h.Svc.Transfer(r.Context(), TransferReq{
		SourceNumber:   *req.SourceAccountNumber,
		ReceiverNumber: *req.ReceiverAccountNumber,
		Amount:         *req.Amount,
	})
	if err != nil {
		writeTxnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionJSONResp(txn))
}

func (h *httpHandler) Interest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	principal, err := decimal.NewFromString(q.Get("principal"))
	if err != nil {
		fields["principal"] = "missing or invalid"
	}
	rate, err := decimal.NewFromString(q.Get("rate"))
	if err != nil {
		fields["rate"] = "missing or invalid"
	}
	periods, err := strconv.Atoi(q.Get("periods"))
	if err != nil {
		fields["periods"] = "missing or invalid"
	}
	if len(fields) > 0 {
		WriteHTTPError(w, ErrBadRequest{Fields: fields})
		return
	}
	interest, err := CalculateInterest(principal, rate, periods)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, interestJSONResp{Interest: interest})
}

func writeTextNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not found"))
}

// writeTxnError reports unknown accounts as a bad request since the account
// number came from the request body.
func writeTxnError(w http.ResponseWriter, err error) {
	errnf := &ErrNotFound{}
	if errors.As(err, errnf) {
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{errnf.Resource: errnf.Error()}})
		return
	}
	WriteHTTPError(w, err)
}

func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	errnf := &ErrNotFound{}
	errbr := &ErrBadRequest{}
	errib := &ErrInsufficientBalance{}
	if errors.As(err, errnf) {
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(errnf)
	} else if errors.As(err, errbr) {
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(errbr)
	} else if errors.As(err, errib) {
		w.WriteHeader(http.StatusBadRequest)
		resp := struct {
			Message string `json:"message"`
			*ErrInsufficientBalance
		}{
			Message:                "insufficient balance",
			ErrInsufficientBalance: errib,
		}
		ne = json.NewEncoder(w).Encode(resp)
	} else if errors.Is(err, ErrServiceUnavailable) {
		w.WriteHeader(http.StatusServiceUnavailable)
		resp := map[string]string{
			"message": "service unavailable",
		}
		ne = json.NewEncoder(w).Encode(resp)
	} else {
		log.Error().Err(err).Msg("unhandled service error")
		w.WriteHeader(http.StatusInternalServerError)
		resp := map[string]string{
			"message": "server error",
		}
		ne = json.NewEncoder(w).Encode(resp)
	}
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	resp := map[string]string{
		"path": r.URL.Path,
	}
	_ = json.NewEncoder(w).Encode(resp)
}
