package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"subgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const (
	groupID   int64 = -1001
	channelID int64 = -1002
)

type memStore struct {
	mu        sync.Mutex
	subs      map[int64]*models.Subscription
	activeErr error
}

func newMemStore(subs ...models.Subscription) *memStore {
	s := &memStore{subs: make(map[int64]*models.Subscription)}
	for i := range subs {
		sub := subs[i]
		s.subs[sub.TgID] = &sub
	}
	return s
}

func (s *memStore) ListActiveSubscriptions(context.Context) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Active {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *memStore) ExpireSubscription(_ context.Context, tgID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[tgID]
	if !ok || !sub.Active || sub.ExpiresAt.After(now) {
		return false, nil
	}
	sub.Active = false
	return true, nil
}

func (s *memStore) MarkWarned(_ context.Context, tgID int64, kind models.Warning) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[tgID]
	if !ok || !sub.Active {
		return false, nil
	}
	switch kind {
	case models.Warning3d:
		if sub.Warned3d {
			return false, nil
		}
		sub.Warned3d = true
	case models.Warning1d:
		if sub.Warned1d {
			return false, nil
		}
		sub.Warned1d = true
		sub.Warned3d = true
	}
	return true, nil
}

func (s *memStore) IsActiveNow(_ context.Context, tgID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeErr != nil {
		return false, s.activeErr
	}
	sub, ok := s.subs[tgID]
	return ok && sub.ActiveAt(testNow), nil
}

type kick struct{ chatID, userID int64 }

type fakeMessenger struct {
	mu        sync.Mutex
	sent      map[int64][]string
	kicks     []kick
	members   map[int64]bool
	kickErr   error
	memberErr error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: make(map[int64][]string), members: make(map[int64]bool)}
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[chatID] = append(m.sent[chatID], text)
	return nil
}

func (m *fakeMessenger) Kick(_ context.Context, chatID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicks = append(m.kicks, kick{chatID, userID})
	return m.kickErr
}

func (m *fakeMessenger) IsMember(_ context.Context, _ int64, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[userID], m.memberErr
}

func newTestSweeper(store Store, messenger Messenger) *Sweeper {
	remover := NewRemover(messenger, []int64{groupID, channelID}, nil, zap.NewNop())
	s := NewSweeper(store, remover, nil, zap.NewNop())
	s.now = func() time.Time { return testNow }
	return s
}

func TestSweeperExpiresAndKicks(t *testing.T) {
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(-time.Hour), Active: true})
	messenger := newFakeMessenger()
	sweeper := newTestSweeper(store, messenger)

	require.NoError(t, sweeper.Run(context.Background()))

	assert.False(t, store.subs[42].Active)
	assert.ElementsMatch(t, []kick{{groupID, 42}, {channelID, 42}}, messenger.kicks)
	assert.Len(t, messenger.sent[42], 1)

	require.NoError(t, sweeper.Run(context.Background()))
	assert.Len(t, messenger.kicks, 2)
	assert.Len(t, messenger.sent[42], 1)
}

func TestSweeperKickFailureStillDeactivates(t *testing.T) {
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(-time.Minute), Active: true})
	messenger := newFakeMessenger()
	messenger.kickErr = errors.New("not enough rights")

	require.NoError(t, newTestSweeper(store, messenger).Run(context.Background()))
	assert.False(t, store.subs[42].Active)
	assert.Len(t, messenger.sent[42], 1)
}

func TestSweeperWarnsThreeDaysOnce(t *testing.T) {
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(48 * time.Hour), Active: true})
	messenger := newFakeMessenger()
	sweeper := newTestSweeper(store, messenger)

	require.NoError(t, sweeper.Run(context.Background()))
	assert.True(t, store.subs[42].Warned3d)
	assert.False(t, store.subs[42].Warned1d)
	require.Len(t, messenger.sent[42], 1)

	require.NoError(t, sweeper.Run(context.Background()))
	assert.Len(t, messenger.sent[42], 1)
	assert.Empty(t, messenger.kicks)
	assert.True(t, store.subs[42].Active)
}

func TestSweeperWarnsOneDayOnceAndSkipsThreeDay(t *testing.T) {
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(12 * time.Hour), Active: true})
	messenger := newFakeMessenger()
	sweeper := newTestSweeper(store, messenger)

	require.NoError(t, sweeper.Run(context.Background()))
	require.NoError(t, sweeper.Run(context.Background()))

	assert.True(t, store.subs[42].Warned1d)
	assert.True(t, store.subs[42].Warned3d)
	assert.Len(t, messenger.sent[42], 1)
}

func TestSweeperLeavesDistantSubscriptionsAlone(t *testing.T) {
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(10 * 24 * time.Hour), Active: true})
	messenger := newFakeMessenger()

	require.NoError(t, newTestSweeper(store, messenger).Run(context.Background()))
	assert.Empty(t, messenger.sent)
	assert.Empty(t, messenger.kicks)
}

func TestSweeperStartRejectsBadSchedule(t *testing.T) {
	sweeper := newTestSweeper(newMemStore(), newFakeMessenger())
	require.Error(t, sweeper.Start("not a schedule"))

	require.NoError(t, sweeper.Start("@every 1h"))
	sweeper.Stop()
}

func newTestGate(store Store, messenger Messenger) (*Gate, *[]func()) {
	remover := NewRemover(messenger, []int64{groupID, channelID}, nil, zap.NewNop())
	gate := NewGate(store, remover, func(id int64) bool { return id == 1 }, 10*time.Second, nil, zap.NewNop())
	var pending []func()
	gate.afterFunc = func(d time.Duration, f func()) {
		pending = append(pending, f)
	}
	return gate, &pending
}

func TestGateKicksMemberWithoutSubscription(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.members[7] = true
	gate, pending := newTestGate(newMemStore(), messenger)

	require.True(t, gate.OnJoin(groupID, 7))
	assert.Empty(t, messenger.kicks)
	require.Len(t, *pending, 1)
	(*pending)[0]()
	assert.Equal(t, []kick{{groupID, 7}}, messenger.kicks)
}

func TestGateKeepsActiveSubscriber(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.members[42] = true
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(time.Hour), Active: true})
	gate, _ := newTestGate(store, messenger)

	assert.False(t, gate.Check(context.Background(), groupID, 42))
	assert.Empty(t, messenger.kicks)
}

func TestGateKicksExpiredButStillFlaggedActive(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.members[42] = true
	store := newMemStore(models.Subscription{TgID: 42, ExpiresAt: testNow.Add(-time.Hour), Active: true})
	gate, _ := newTestGate(store, messenger)

	assert.True(t, gate.Check(context.Background(), channelID, 42))
}

func TestGateSkipsKickWhenLookupFails(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.members[42] = true
	store := newMemStore()
	store.activeErr = errors.New("db down")
	gate, _ := newTestGate(store, messenger)

	assert.False(t, gate.Check(context.Background(), groupID, 42))
	assert.Empty(t, messenger.kicks)
}

func TestGateIgnoresAdminsAndOtherChats(t *testing.T) {
	gate, pending := newTestGate(newMemStore(), newFakeMessenger())
	assert.False(t, gate.OnJoin(groupID, 1))
	assert.False(t, gate.OnJoin(-999, 7))
	assert.Empty(t, *pending)
}
