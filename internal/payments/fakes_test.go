package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"subgate/internal/models"
	"subgate/internal/plans"
	"subgate/internal/services"

	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// memStore mirrors the ledger semantics of services.Service in memory.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]models.User
	txns     map[string]*models.Transaction
	subs     map[int64]*models.Subscription
	payments []models.Payment
	nextID   int64
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[int64]models.User),
		txns:  make(map[string]*models.Transaction),
		subs:  make(map[int64]*models.Subscription),
	}
}

func (s *memStore) addUser(tgID int64, code string) {
	s.users[tgID] = models.User{TgID: tgID, PayCode: code, CreatedAt: fixedNow}
}

func key(provider, extID string) string { return provider + "|" + extID }

func (s *memStore) GetUser(_ context.Context, tgID int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[tgID]; ok {
		return u, nil
	}
	return models.User{}, services.ErrNotFound
}

func (s *memStore) GetUserByPayCode(_ context.Context, code string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !services.IsPayCode(code) {
		return models.User{}, services.ErrNotFound
	}
	for _, u := range s.users {
		if u.PayCode == code {
			return u, nil
		}
	}
	return models.User{}, services.ErrNotFound
}

func (s *memStore) GetTransaction(_ context.Context, provider, extID string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txns[key(provider, extID)]; ok {
		return *t, nil
	}
	return models.Transaction{}, services.ErrNotFound
}

func (s *memStore) GetOrCreateTransaction(_ context.Context, provider, extID string, tgID int64, planDays int, amount int64) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return models.Transaction{}, err
	}
	if t, ok := s.txns[key(provider, extID)]; ok {
		return *t, nil
	}
	s.nextID++
	t := &models.Transaction{
		ID: s.nextID, Provider: provider, ExtID: extID, TgID: tgID,
		PlanDays: planDays, Amount: amount, State: models.TxnCreated, CreatedAt: fixedNow,
	}
	s.txns[key(provider, extID)] = t
	return *t, nil
}

func (s *memStore) UpdateTransactionState(_ context.Context, provider, extID, state string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[key(provider, extID)]
	if !ok {
		return models.Transaction{}, services.ErrNotFound
	}
	if t.State == models.TxnPerformed {
		return *t, services.ErrAlreadyPerformed
	}
	if t.Closed() {
		return *t, services.ErrTransactionClosed
	}
	t.State = state
	if t.Closed() {
		now := fixedNow
		t.CanceledAt = &now
	}
	return *t, nil
}

func (s *memStore) CreditTransaction(_ context.Context, provider, extID, status string) (services.Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[key(provider, extID)]
	if !ok {
		return services.Credit{}, services.ErrNotFound
	}
	if t.State == models.TxnPerformed {
		return services.Credit{Transaction: *t}, services.ErrAlreadyPerformed
	}
	if t.Closed() {
		return services.Credit{Transaction: *t}, services.ErrTransactionClosed
	}
	now := fixedNow
	t.State = models.TxnPerformed
	t.PerformedAt = &now

	sub, ok := s.subs[t.TgID]
	grant := time.Duration(t.PlanDays) * 24 * time.Hour
	if ok && sub.ActiveAt(now) {
		sub.ExpiresAt = sub.ExpiresAt.Add(grant)
	} else {
		sub = &models.Subscription{TgID: t.TgID, ExpiresAt: now.Add(grant), Active: true}
		s.subs[t.TgID] = sub
	}
	ext := t.ExtID
	s.payments = append(s.payments, models.Payment{
		ID: int64(len(s.payments) + 1), TgID: t.TgID, Provider: provider, Amount: t.Amount,
		Status: status, PlanDays: t.PlanDays, ExtID: &ext, CreatedAt: now,
	})
	return services.Credit{Transaction: *t, ExpiresAt: sub.ExpiresAt}, nil
}

type sentMessage struct {
	chatID int64
	text   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) SendText(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{chatID: chatID, text: text})
	return n.err
}

var errBoom = errors.New("boom")

func testCatalog() *plans.Catalog {
	return plans.New(map[int]int64{7: 20000, 30: 50000, 90: 120000})
}

func newTestIntake(store Store, notifier Notifier, opts Options) *Intake {
	in := NewIntake(store, testCatalog(), notifier, nil, zap.NewNop(), opts)
	in.now = func() time.Time { return fixedNow }
	return in
}
