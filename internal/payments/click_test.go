package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"subgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clickSecret = "click-secret"

func signedClick(action, transID, payCode, amount string) ClickRequest {
	req := ClickRequest{
		ClickTransID:    transID,
		ServiceID:       "1001",
		MerchantTransID: payCode,
		Amount:          amount,
		Action:          action,
		SignTime:        "2026-03-10 12:00:00",
	}
	req.SignString = ClickSign(req, clickSecret)
	return req
}

func newClickIntake() (*Intake, *memStore, *recordingNotifier) {
	store := newMemStore()
	store.addUser(42, "12345678")
	notifier := &recordingNotifier{}
	in := newTestIntake(store, notifier, Options{ClickSecret: clickSecret, PaymeSecret: "payme-secret", AmountMultiplier: 100})
	return in, store, notifier
}

func TestClickPrepareCompleteAndReplay(t *testing.T) {
	in, store, notifier := newClickIntake()
	ctx := context.Background()

	resp, err := in.HandleClick(ctx, signedClick("0", "abc1", "12345678", "20000"))
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)
	assert.NotZero(t, resp.MerchantPrepareID)

	txn, err := store.GetTransaction(ctx, models.ProviderClick, "abc1")
	require.NoError(t, err)
	assert.Equal(t, models.TxnPrepared, txn.State)
	assert.Empty(t, store.payments)
	assert.Empty(t, store.subs)

	resp, err = in.HandleClick(ctx, signedClick("1", "abc1", "12345678", "20000"))
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)
	assert.Equal(t, txn.ID, resp.MerchantConfirmID)

	txn, err = store.GetTransaction(ctx, models.ProviderClick, "abc1")
	require.NoError(t, err)
	assert.Equal(t, models.TxnPerformed, txn.State)
	require.Len(t, store.payments, 1)
	assert.Equal(t, models.ProviderClick, store.payments[0].Provider)
	assert.Equal(t, int64(20000), store.payments[0].Amount)
	assert.Equal(t, 7, store.payments[0].PlanDays)
	assert.Equal(t, fixedNow.Add(7*24*time.Hour), store.subs[42].ExpiresAt)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, int64(42), notifier.sent[0].chatID)

	resp, err = in.HandleClick(ctx, signedClick("1", "abc1", "12345678", "20000"))
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)
	assert.Len(t, store.payments, 1)
	assert.Equal(t, fixedNow.Add(7*24*time.Hour), store.subs[42].ExpiresAt)
	assert.Len(t, notifier.sent, 1)
}

func TestClickConcurrentCompleteCreditsOnce(t *testing.T) {
	in, store, notifier := newClickIntake()
	ctx := context.Background()

	resp, err := in.HandleClick(ctx, signedClick("0", "dup1", "12345678", "50000"))
	require.NoError(t, err)
	require.Equal(t, ClickOK, resp.Error)

	const deliveries = 16
	var wg sync.WaitGroup
	codes := make([]int, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := in.HandleClick(ctx, signedClick("1", "dup1", "12345678", "50000"))
			codes[i], errs[i] = resp.Error, err
		}(i)
	}
	wg.Wait()

	for i := range codes {
		require.NoError(t, errs[i])
		assert.Equal(t, ClickOK, codes[i])
	}
	require.Len(t, store.payments, 1)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), store.subs[42].ExpiresAt)
	assert.Len(t, notifier.sent, 1)
}

func TestClickPrepareAfterPerformDoesNotDowngrade(t *testing.T) {
	in, store, _ := newClickIntake()
	ctx := context.Background()

	_, err := in.HandleClick(ctx, signedClick("1", "abc2", "12345678", "50000"))
	require.NoError(t, err)
	resp, err := in.HandleClick(ctx, signedClick("0", "abc2", "12345678", "50000"))
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)

	txn, err := store.GetTransaction(ctx, models.ProviderClick, "abc2")
	require.NoError(t, err)
	assert.Equal(t, models.TxnPerformed, txn.State)
	assert.Len(t, store.payments, 1)
}

func TestClickRejections(t *testing.T) {
	tests := []struct {
		name string
		req  func() ClickRequest
		code int
		note string
	}{
		{
			name: "missing fields",
			req:  func() ClickRequest { return ClickRequest{Action: "0"} },
			code: ClickBadRequest,
		},
		{
			name: "bad signature",
			req: func() ClickRequest {
				r := signedClick("0", "t1", "12345678", "20000")
				r.SignString = "deadbeef"
				return r
			},
			code: ClickSignFailed,
		},
		{
			name: "unknown action",
			req:  func() ClickRequest { return signedClick("5", "t2", "12345678", "20000") },
			code: ClickActionNotFound,
		},
		{
			name: "unknown pay code",
			req:  func() ClickRequest { return signedClick("0", "t3", "99999999", "20000") },
			code: ClickUserNotFound,
		},
		{
			name: "identifier without digits",
			req:  func() ClickRequest { return signedClick("0", "t4", "abc", "20000") },
			code: ClickUserNotFound,
		},
		{
			name: "unknown plan",
			req:  func() ClickRequest { return signedClick("0", "t5", "12345678", "12345") },
			code: ClickIncorrectAmount,
			note: "Unknown plan",
		},
		{
			name: "fractional amount",
			req:  func() ClickRequest { return signedClick("0", "t6", "12345678", "20000.50") },
			code: ClickIncorrectAmount,
			note: "Incorrect parameter amount",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in, store, _ := newClickIntake()
			resp, err := in.HandleClick(context.Background(), tc.req())
			require.NoError(t, err)
			assert.Equal(t, tc.code, resp.Error)
			if tc.note != "" {
				assert.Equal(t, tc.note, resp.ErrorNote)
			}
			assert.Empty(t, store.payments)
			assert.Empty(t, store.subs)
		})
	}
}

func TestClickSanitizesMerchantTransID(t *testing.T) {
	in, store, _ := newClickIntake()
	resp, err := in.HandleClick(context.Background(), signedClick("1", "abc3", " 1234-5678 ", "20000.00"))
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)
	assert.Len(t, store.payments, 1)
}

func TestClickCompleteWithProviderErrorCancels(t *testing.T) {
	in, store, notifier := newClickIntake()
	ctx := context.Background()

	_, err := in.HandleClick(ctx, signedClick("0", "abc4", "12345678", "20000"))
	require.NoError(t, err)

	req := signedClick("1", "abc4", "12345678", "20000")
	req.Error = "-5017"
	resp, err := in.HandleClick(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ClickCancelled, resp.Error)

	txn, err := store.GetTransaction(ctx, models.ProviderClick, "abc4")
	require.NoError(t, err)
	assert.Equal(t, models.TxnCanceled, txn.State)

	resp, err = in.HandleClick(ctx, signedClick("1", "abc4", "12345678", "20000"))
	require.NoError(t, err)
	assert.Equal(t, ClickCancelled, resp.Error)
	assert.Empty(t, store.payments)
	assert.Empty(t, notifier.sent)
}

func TestClickCompleteAmountMismatch(t *testing.T) {
	in, store, _ := newClickIntake()
	ctx := context.Background()

	_, err := in.HandleClick(ctx, signedClick("0", "abc5", "12345678", "20000"))
	require.NoError(t, err)
	resp, err := in.HandleClick(ctx, signedClick("1", "abc5", "12345678", "50000"))
	require.NoError(t, err)
	assert.Equal(t, ClickIncorrectAmount, resp.Error)
	assert.Empty(t, store.payments)
}

func TestClickDummySecretSkipsChecks(t *testing.T) {
	store := newMemStore()
	store.addUser(42, "12345678")
	in := newTestIntake(store, nil, Options{ClickSecret: "dummy", AmountMultiplier: 100})

	resp, err := in.HandleClick(context.Background(), ClickRequest{
		ClickTransID: "d1", MerchantTransID: "12345678", Amount: "777", Action: "1", SignString: "whatever",
	})
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)
	require.Len(t, store.payments, 1)
	assert.Equal(t, 30, store.payments[0].PlanDays)
}

func TestClickNotifierFailureDoesNotFailCredit(t *testing.T) {
	in, store, notifier := newClickIntake()
	notifier.err = errBoom

	resp, err := in.HandleClick(context.Background(), signedClick("1", "abc6", "12345678", "120000"))
	require.NoError(t, err)
	assert.Equal(t, ClickOK, resp.Error)
	assert.Len(t, store.payments, 1)
	assert.Equal(t, fixedNow.Add(90*24*time.Hour), store.subs[42].ExpiresAt)
}

func TestClickStorageFailurePropagates(t *testing.T) {
	in, store, _ := newClickIntake()
	store.failNext = errBoom

	_, err := in.HandleClick(context.Background(), signedClick("0", "abc7", "12345678", "20000"))
	require.ErrorIs(t, err, errBoom)
}

func TestParseClickRequestForm(t *testing.T) {
	form := url.Values{
		"click_trans_id":    {"123"},
		"service_id":        {"77"},
		"merchant_trans_id": {"12345678"},
		"amount":            {"20000.00"},
		"action":            {"0"},
		"sign_time":         {"2026-03-10 12:00:00"},
		"sign_string":       {"abc"},
	}
	r := httptest.NewRequest(http.MethodPost, "/click/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	req, err := ParseClickRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "123", req.ClickTransID)
	assert.Equal(t, "20000.00", req.Amount)
	assert.Equal(t, "0", req.Action)
}

func TestParseClickRequestJSONKeepsNumberText(t *testing.T) {
	body := `{"click_trans_id": 123, "service_id": 77, "merchant_trans_id": "12345678", "amount": 20000.0, "action": 1, "error": -5017, "sign_time": "t", "sign_string": "s"}`
	r := httptest.NewRequest(http.MethodPost, "/click/token", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	req, err := ParseClickRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "123", req.ClickTransID)
	assert.Equal(t, "20000.0", req.Amount)
	assert.Equal(t, "1", req.Action)
	assert.Equal(t, "-5017", req.Error)
}

func TestClickSignIsStable(t *testing.T) {
	req := ClickRequest{ClickTransID: "1", ServiceID: "2", MerchantTransID: "3", Amount: "4", Action: "0", SignTime: "5"}
	assert.Equal(t, ClickSign(req, "secret"), ClickSign(req, "secret"))
	assert.NotEqual(t, ClickSign(req, "secret"), ClickSign(req, "other"))
	assert.Len(t, ClickSign(req, "secret"), 32)
}
