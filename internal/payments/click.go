package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subgate/internal/models"
	"subgate/internal/services"

	"go.uber.org/zap"
)

// Click error codes.
const (
	ClickOK              = 0
	ClickSignFailed      = -1
	ClickIncorrectAmount = -2
	ClickActionNotFound  = -3
	ClickUserNotFound    = -5
	ClickBadRequest      = -8
	ClickCancelled       = -9
)

const (
	clickActionPrepare  = "0"
	clickActionComplete = "1"
)

type ClickRequest struct {
	ClickTransID      string `json:"click_trans_id"`
	ServiceID         string `json:"service_id"`
	MerchantTransID   string `json:"merchant_trans_id"`
	MerchantPrepareID string `json:"merchant_prepare_id"`
	Amount            string `json:"amount"`
	Action            string `json:"action"`
	Error             string `json:"error"`
	SignTime          string `json:"sign_time"`
	SignString        string `json:"sign_string"`
}

type ClickResponse struct {
	ClickTransID      string `json:"click_trans_id,omitempty"`
	MerchantTransID   string `json:"merchant_trans_id,omitempty"`
	MerchantPrepareID int64  `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID int64  `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// ParseClickRequest accepts both form-encoded and JSON bodies. JSON numbers
// are kept in their textual form so the signature is computed over exactly
// what the provider sent.
func ParseClickRequest(r *http.Request) (ClickRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return ClickRequest{}, fmt.Errorf("decode click body: %w", err)
		}
		return ClickRequest{
			ClickTransID:      field(raw["click_trans_id"]),
			ServiceID:         field(raw["service_id"]),
			MerchantTransID:   field(raw["merchant_trans_id"]),
			MerchantPrepareID: field(raw["merchant_prepare_id"]),
			Amount:            field(raw["amount"]),
			Action:            field(raw["action"]),
			Error:             field(raw["error"]),
			SignTime:          field(raw["sign_time"]),
			SignString:        field(raw["sign_string"]),
		}, nil
	}
	if err := r.ParseForm(); err != nil {
		return ClickRequest{}, fmt.Errorf("parse click form: %w", err)
	}
	return ClickRequest{
		ClickTransID:      r.PostForm.Get("click_trans_id"),
		ServiceID:         r.PostForm.Get("service_id"),
		MerchantTransID:   r.PostForm.Get("merchant_trans_id"),
		MerchantPrepareID: r.PostForm.Get("merchant_prepare_id"),
		Amount:            r.PostForm.Get("amount"),
		Action:            r.PostForm.Get("action"),
		Error:             r.PostForm.Get("error"),
		SignTime:          r.PostForm.Get("sign_time"),
		SignString:        r.PostForm.Get("sign_string"),
	}, nil
}

func field(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ClickSign is md5(click_trans_id + service_id + secret + merchant_trans_id +
// amount + action + sign_time), hex encoded.
func ClickSign(req ClickRequest, secret string) string {
	sum := md5.Sum([]byte(req.ClickTransID + req.ServiceID + secret + req.MerchantTransID + req.Amount + req.Action + req.SignTime))
	return hex.EncodeToString(sum[:])
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseMajorAmount reads "20000" or "20000.00". Fractional amounts never match
// a plan price and are rejected.
func parseMajorAmount(raw string) (int64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f <= 0 || f != math.Trunc(f) || f > 1e15 {
		return 0, false
	}
	return int64(f), true
}

func (in *Intake) HandleClick(ctx context.Context, req ClickRequest) (ClickResponse, error) {
	start := time.Now()
	resp, err := in.handleClick(ctx, req)
	result := "ok"
	switch {
	case err != nil:
		result = "failure"
	case resp.Error != ClickOK:
		result = strconv.Itoa(resp.Error)
	}
	in.metrics.Webhook(models.ProviderClick, result, time.Since(start))
	return resp, err
}

func (in *Intake) handleClick(ctx context.Context, req ClickRequest) (ClickResponse, error) {
	resp := ClickResponse{ClickTransID: req.ClickTransID, MerchantTransID: req.MerchantTransID}
	reject := func(code int, note string) (ClickResponse, error) {
		resp.Error = code
		resp.ErrorNote = note
		in.logger.Info("click rejected",
			zap.String("provider", models.ProviderClick),
			zap.String("ext_id", req.ClickTransID),
			zap.Int("code", code),
			zap.String("note", note),
		)
		return resp, nil
	}

	if req.ClickTransID == "" || req.MerchantTransID == "" || req.Amount == "" || req.Action == "" {
		return reject(ClickBadRequest, "Error in request from click")
	}
	if in.clickEnforced() && !strings.EqualFold(ClickSign(req, in.opts.ClickSecret), req.SignString) {
		return reject(ClickSignFailed, "SIGN CHECK FAILED!")
	}
	if req.Action != clickActionPrepare && req.Action != clickActionComplete {
		return reject(ClickActionNotFound, "Action not found")
	}

	user, err := in.store.GetUserByPayCode(ctx, digitsOnly(req.MerchantTransID))
	if errors.Is(err, services.ErrNotFound) {
		return reject(ClickUserNotFound, "User does not exist")
	}
	if err != nil {
		return resp, err
	}

	amount, ok := parseMajorAmount(req.Amount)
	if !ok {
		return reject(ClickIncorrectAmount, "Incorrect parameter amount")
	}
	days, ok := in.resolvePlan(amount, in.clickEnforced())
	if !ok {
		return reject(ClickIncorrectAmount, "Unknown plan")
	}

	txn, err := in.store.GetOrCreateTransaction(ctx, models.ProviderClick, req.ClickTransID, user.TgID, days, amount)
	if err != nil {
		return resp, err
	}

	if req.Action == clickActionPrepare {
		if txn.Closed() {
			return reject(ClickCancelled, "Transaction cancelled")
		}
		if txn.State == models.TxnCreated {
			_, err := in.store.UpdateTransactionState(ctx, models.ProviderClick, req.ClickTransID, models.TxnPrepared)
			switch {
			case errors.Is(err, services.ErrTransactionClosed):
				return reject(ClickCancelled, "Transaction cancelled")
			case err != nil && !errors.Is(err, services.ErrAlreadyPerformed):
				return resp, err
			}
		}
		resp.MerchantPrepareID = txn.ID
		resp.ErrorNote = "Success"
		return resp, nil
	}

	if in.clickEnforced() && txn.Amount != amount {
		return reject(ClickIncorrectAmount, "Incorrect parameter amount")
	}
	if clickErr, _ := strconv.Atoi(req.Error); clickErr < 0 {
		if txn.State != models.TxnPerformed && !txn.Closed() {
			_, err := in.store.UpdateTransactionState(ctx, models.ProviderClick, req.ClickTransID, models.TxnCanceled)
			if err != nil && !errors.Is(err, services.ErrAlreadyPerformed) && !errors.Is(err, services.ErrTransactionClosed) {
				return resp, err
			}
		}
		return reject(ClickCancelled, "Transaction cancelled")
	}
	if txn.Closed() {
		return reject(ClickCancelled, "Transaction cancelled")
	}

	credit, err := in.store.CreditTransaction(ctx, models.ProviderClick, req.ClickTransID, models.PaymentSuccess)
	switch {
	case errors.Is(err, services.ErrAlreadyPerformed):
		in.logger.Info("click replay ignored",
			zap.String("provider", models.ProviderClick),
			zap.String("ext_id", req.ClickTransID),
		)
	case errors.Is(err, services.ErrTransactionClosed):
		return reject(ClickCancelled, "Transaction cancelled")
	case err != nil:
		return resp, err
	default:
		in.credited(ctx, credit)
	}
	resp.MerchantPrepareID = txn.ID
	resp.MerchantConfirmID = txn.ID
	resp.ErrorNote = "Success"
	return resp, nil
}
