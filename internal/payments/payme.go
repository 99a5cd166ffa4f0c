package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"subgate/internal/models"
	"subgate/internal/services"

	"go.uber.org/zap"
)

// Payme JSON-RPC error codes.
const (
	PaymeInvalidAmount    = -31001
	PaymeTxnNotFound      = -31003
	PaymeCannotCancel     = -31007
	PaymeCannotPerform    = -31008
	PaymeInvalidAccount   = -31050
	PaymeInsufficientAuth = -32504
	PaymeParseError       = -32700
	PaymeInvalidRequest   = -32600
	PaymeMethodNotFound   = -32601
)

// Payme transaction states as reported to the provider.
const (
	paymeStateCreated   = 1
	paymeStatePerformed = 2
	paymeStateCanceled  = -1
)

type PaymeRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type PaymeResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *PaymeError     `json:"error,omitempty"`
}

type PaymeError struct {
	Code    int              `json:"code"`
	Message LocalizedMessage `json:"message"`
	Data    string           `json:"data,omitempty"`
}

type LocalizedMessage struct {
	RU string `json:"ru"`
	UZ string `json:"uz"`
	EN string `json:"en"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type paymeAccount struct {
	PayCode  flexString `json:"pay_code"`
	UserID   flexString `json:"user_id"`
	PlanDays flexString `json:"plan_days"`
}

func (a paymeAccount) empty() bool {
	return a.PayCode == "" && a.UserID == ""
}

type paymeParams struct {
	ID      string       `json:"id"`
	Time    int64        `json:"time"`
	Amount  json.Number  `json:"amount"`
	Account paymeAccount `json:"account"`
	Reason  *int         `json:"reason"`
}

type paymeFault struct {
	code int
	note string
	data string
}

func (f *paymeFault) Error() string { return f.note }

func fault(code int, note, data string) *paymeFault {
	return &paymeFault{code: code, note: note, data: data}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func canceledAt(txn models.Transaction) time.Time {
	if txn.CanceledAt == nil {
		return time.Time{}
	}
	return *txn.CanceledAt
}

func paymeState(state string) int {
	switch state {
	case models.TxnPerformed:
		return paymeStatePerformed
	case models.TxnCanceled, models.TxnFailed:
		return paymeStateCanceled
	default:
		return paymeStateCreated
	}
}

// AuthorizePayme checks the Basic auth password against the secret. The dummy
// secret accepts anything.
func (in *Intake) AuthorizePayme(password string, ok bool) bool {
	if !in.paymeEnforced() {
		return true
	}
	return ok && password == in.opts.PaymeSecret
}

// HandlePayme serves one JSON-RPC call. authorized is the outcome of
// AuthorizePayme for the request's credentials.
func (in *Intake) HandlePayme(ctx context.Context, authorized bool, body []byte) (PaymeResponse, error) {
	start := time.Now()
	resp := PaymeResponse{JSONRPC: "2.0"}

	var req PaymeRequest
	result, err := func() (any, error) {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fault(PaymeParseError, "Parse error", "")
		}
		resp.ID = req.ID
		if req.Method == "" {
			return nil, fault(PaymeInvalidRequest, "Invalid request", "method")
		}
		if !authorized {
			return nil, fault(PaymeInsufficientAuth, "Insufficient privileges", "")
		}
		var params paymeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, fault(PaymeInvalidRequest, "Invalid params", "params")
			}
		}
		return in.dispatchPayme(ctx, req.Method, params)
	}()

	outcome := "ok"
	var f *paymeFault
	switch {
	case errors.As(err, &f):
		outcome = strconv.Itoa(f.code)
		resp.Error = &PaymeError{
			Code:    f.code,
			Message: LocalizedMessage{RU: f.note, UZ: f.note, EN: f.note},
			Data:    f.data,
		}
		in.logger.Info("payme rejected",
			zap.String("provider", models.ProviderPayme),
			zap.String("method", req.Method),
			zap.Int("code", f.code),
			zap.String("note", f.note),
		)
		err = nil
	case err != nil:
		outcome = "failure"
	default:
		resp.Result = result
	}
	in.metrics.Webhook(models.ProviderPayme, outcome, time.Since(start))
	return resp, err
}

func (in *Intake) dispatchPayme(ctx context.Context, method string, p paymeParams) (any, error) {
	switch method {
	case "CheckPerformTransaction":
		return in.paymeCheckPerform(ctx, p)
	case "CreateTransaction":
		return in.paymeCreate(ctx, p)
	case "PerformTransaction":
		return in.paymePerform(ctx, p)
	case "CheckTransaction":
		return in.paymeCheck(ctx, p)
	case "CancelTransaction":
		return in.paymeCancel(ctx, p)
	default:
		return nil, fault(PaymeMethodNotFound, "Method not found", method)
	}
}

// majorAmount converts params.amount from minor units. Amounts with a
// fractional minor part are rejected, never truncated.
func (in *Intake) majorAmount(p paymeParams) (int64, bool) {
	if p.Amount == "" {
		return 0, false
	}
	minor, err := p.Amount.Int64()
	if err != nil {
		r, ok := new(big.Rat).SetString(string(p.Amount))
		if !ok || !r.IsInt() || !r.Num().IsInt64() {
			return 0, false
		}
		minor = r.Num().Int64()
	}
	if minor <= 0 {
		return 0, false
	}
	if in.paymeEnforced() && minor%in.opts.AmountMultiplier != 0 {
		return 0, false
	}
	return minor / in.opts.AmountMultiplier, true
}

// resolveAccount looks up pay_code first, then user_id.
func (in *Intake) resolveAccount(ctx context.Context, a paymeAccount) (models.User, error) {
	if code := digitsOnly(string(a.PayCode)); code != "" {
		user, err := in.store.GetUserByPayCode(ctx, code)
		if err == nil || !errors.Is(err, services.ErrNotFound) {
			return user, err
		}
	}
	if id, err := strconv.ParseInt(string(a.UserID), 10, 64); err == nil && id != 0 {
		user, err := in.store.GetUser(ctx, id)
		if err == nil || !errors.Is(err, services.ErrNotFound) {
			return user, err
		}
	}
	return models.User{}, fault(PaymeInvalidAccount, "Invalid account", "account")
}

// resolvePaymePlan honours an explicit plan_days, otherwise guesses the plan
// from the amount. With enforcement on, the amount must equal the plan price.
func (in *Intake) resolvePaymePlan(a paymeAccount, amount int64) (int, error) {
	enforced := in.paymeEnforced()
	if raw := string(a.PlanDays); raw != "" {
		requested, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fault(PaymeInvalidAccount, "Invalid plan", "plan_days")
		}
		days := in.catalog.Normalize(requested)
		if enforced && in.catalog.Price(days) != amount {
			return 0, fault(PaymeInvalidAmount, "Invalid amount", "amount")
		}
		return days, nil
	}
	days, ok := in.resolvePlan(amount, enforced)
	if !ok {
		return 0, fault(PaymeInvalidAmount, "Invalid amount", "amount")
	}
	return days, nil
}

func (in *Intake) validatePayment(ctx context.Context, p paymeParams) (models.User, int, int64, error) {
	user, err := in.resolveAccount(ctx, p.Account)
	if err != nil {
		return models.User{}, 0, 0, err
	}
	amount, ok := in.majorAmount(p)
	if !ok {
		return models.User{}, 0, 0, fault(PaymeInvalidAmount, "Invalid amount", "amount")
	}
	days, err := in.resolvePaymePlan(p.Account, amount)
	if err != nil {
		return models.User{}, 0, 0, err
	}
	return user, days, amount, nil
}

func (in *Intake) paymeCheckPerform(ctx context.Context, p paymeParams) (any, error) {
	if _, _, _, err := in.validatePayment(ctx, p); err != nil {
		return nil, err
	}
	return map[string]any{"allow": true}, nil
}

func (in *Intake) paymeCreate(ctx context.Context, p paymeParams) (any, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fault(PaymeInvalidRequest, "Invalid request", "id")
	}
	user, days, amount, err := in.validatePayment(ctx, p)
	if err != nil {
		return nil, err
	}
	txn, err := in.store.GetOrCreateTransaction(ctx, models.ProviderPayme, p.ID, user.TgID, days, amount)
	if err != nil {
		return nil, err
	}
	if txn.Closed() {
		return nil, fault(PaymeCannotPerform, "Transaction cancelled", "id")
	}
	return map[string]any{
		"create_time": millis(txn.CreatedAt),
		"transaction": strconv.FormatInt(txn.ID, 10),
		"state":       paymeState(txn.State),
	}, nil
}

// paymePerform accepts a bare {id} for a row created earlier by
// CreateTransaction, or full account/amount params for a one-shot perform.
func (in *Intake) paymePerform(ctx context.Context, p paymeParams) (any, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fault(PaymeInvalidRequest, "Invalid request", "id")
	}

	existing, err := in.store.GetTransaction(ctx, models.ProviderPayme, p.ID)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrNotFound):
		if p.Account.empty() {
			return nil, fault(PaymeTxnNotFound, "Transaction not found", "id")
		}
	default:
		return nil, err
	}

	var (
		tgID   = existing.TgID
		days   = existing.PlanDays
		amount = existing.Amount
	)
	if !p.Account.empty() {
		user, err := in.resolveAccount(ctx, p.Account)
		if err != nil {
			return nil, err
		}
		tgID = user.TgID
	}
	if p.Amount != "" {
		major, ok := in.majorAmount(p)
		if !ok {
			return nil, fault(PaymeInvalidAmount, "Invalid amount", "amount")
		}
		amount = major
		if existing.ID == 0 {
			if days, err = in.resolvePaymePlan(p.Account, amount); err != nil {
				return nil, err
			}
		}
	}
	if existing.ID == 0 && amount == 0 {
		return nil, fault(PaymeInvalidAmount, "Invalid amount", "amount")
	}

	txn, err := in.store.GetOrCreateTransaction(ctx, models.ProviderPayme, p.ID, tgID, days, amount)
	if err != nil {
		return nil, err
	}
	// A mismatch leaves the row in place; CancelTransaction closes it.
	if in.paymeEnforced() && txn.Amount != amount {
		return nil, fault(PaymeInvalidAmount, "Invalid amount", "amount")
	}
	if txn.Closed() {
		return nil, fault(PaymeCannotPerform, "Transaction cancelled", "id")
	}

	credit, err := in.store.CreditTransaction(ctx, models.ProviderPayme, p.ID, models.PaymentSuccess)
	switch {
	case errors.Is(err, services.ErrAlreadyPerformed):
		txn = credit.Transaction
		in.logger.Info("payme replay ignored",
			zap.String("provider", models.ProviderPayme),
			zap.String("ext_id", p.ID),
		)
	case errors.Is(err, services.ErrTransactionClosed):
		return nil, fault(PaymeCannotPerform, "Transaction cancelled", "id")
	case err != nil:
		return nil, err
	default:
		txn = credit.Transaction
		in.credited(ctx, credit)
	}

	var performed time.Time
	if txn.PerformedAt != nil {
		performed = *txn.PerformedAt
	}
	return map[string]any{
		"transaction":  strconv.FormatInt(txn.ID, 10),
		"perform_time": millis(performed),
		"state":        paymeStatePerformed,
	}, nil
}

func (in *Intake) paymeCheck(ctx context.Context, p paymeParams) (any, error) {
	txn, err := in.store.GetTransaction(ctx, models.ProviderPayme, p.ID)
	if errors.Is(err, services.ErrNotFound) {
		return nil, fault(PaymeTxnNotFound, "Transaction not found", "id")
	}
	if err != nil {
		return nil, err
	}
	var performed time.Time
	if txn.PerformedAt != nil {
		performed = *txn.PerformedAt
	}
	return map[string]any{
		"create_time":  millis(txn.CreatedAt),
		"perform_time": millis(performed),
		"cancel_time":  millis(canceledAt(txn)),
		"transaction":  strconv.FormatInt(txn.ID, 10),
		"state":        paymeState(txn.State),
		"reason":       nil,
	}, nil
}

// paymeCancel closes a row that was never performed. Performed rows are final.
func (in *Intake) paymeCancel(ctx context.Context, p paymeParams) (any, error) {
	txn, err := in.store.GetTransaction(ctx, models.ProviderPayme, p.ID)
	if errors.Is(err, services.ErrNotFound) {
		return nil, fault(PaymeTxnNotFound, "Transaction not found", "id")
	}
	if err != nil {
		return nil, err
	}
	if txn.State == models.TxnPerformed {
		return nil, fault(PaymeCannotCancel, "Transaction already performed", "id")
	}
	if !txn.Closed() {
		txn, err = in.store.UpdateTransactionState(ctx, models.ProviderPayme, p.ID, models.TxnCanceled)
		switch {
		case errors.Is(err, services.ErrAlreadyPerformed):
			return nil, fault(PaymeCannotCancel, "Transaction already performed", "id")
		case errors.Is(err, services.ErrTransactionClosed):
		case err != nil:
			return nil, err
		}
	}
	return map[string]any{
		"transaction": strconv.FormatInt(txn.ID, 10),
		"cancel_time": millis(canceledAt(txn)),
		"state":       paymeStateCanceled,
	}, nil
}
