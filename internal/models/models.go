package models

import "time"

type User struct {
	TgID      int64     `json:"tg_id"`
	PayCode   string    `json:"pay_code"`
	CreatedAt time.Time `json:"created_at"`
}

type Subscription struct {
	TgID              int64      `json:"tg_id"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Active            bool       `json:"active"`
	Warned3d          bool       `json:"warned_3d"`
	Warned1d          bool       `json:"warned_1d"`
	LastRenewalNotice *time.Time `json:"last_renewal_notice,omitempty"`
}

// ActiveAt is the only validity predicate for a subscription: the explicit
// flag must be set and the expiry must still be ahead of now.
func (s Subscription) ActiveAt(now time.Time) bool {
	return s.Active && s.ExpiresAt.After(now)
}

// Remaining is zero once the subscription is no longer valid.
func (s Subscription) Remaining(now time.Time) time.Duration {
	if !s.ActiveAt(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

type Payment struct {
	ID        int64     `json:"id"`
	TgID      int64     `json:"tg_id"`
	PayCode   string    `json:"pay_code,omitempty"`
	Provider  string    `json:"provider"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	PlanDays  int       `json:"plan_days"`
	ExtID     *string   `json:"ext_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Transaction struct {
	ID          int64      `json:"id"`
	Provider    string     `json:"provider"`
	ExtID       string     `json:"ext_id"`
	TgID        int64      `json:"tg_id"`
	PlanDays    int        `json:"plan_days"`
	Amount      int64      `json:"amount"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	PerformedAt *time.Time `json:"performed_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
}

// Closed transactions can no longer be performed.
func (t Transaction) Closed() bool {
	return t.State == TxnCanceled || t.State == TxnFailed
}

const (
	ProviderClick = "click"
	ProviderPayme = "payme"
	ProviderAdmin = "admin"
)

const (
	TxnCreated   = "created"
	TxnPrepared  = "prepared"
	TxnPerformed = "performed"
	TxnCanceled  = "canceled"
	TxnFailed    = "failed"
)

const (
	PaymentSuccess = "success"
)

type Warning string

const (
	Warning3d Warning = "3d"
	Warning1d Warning = "1d"
)
