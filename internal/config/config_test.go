package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLICK_SECRET", "")
	t.Setenv("PAYME_SECRET", "")
	t.Setenv("ADMIN_IDS", "")
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, DummySecret, cfg.ClickSecret)
	assert.Equal(t, DummySecret, cfg.PaymeSecret)
	assert.Equal(t, int64(20000), cfg.PlanPrices[7])
	assert.Equal(t, int64(50000), cfg.PlanPrices[30])
	assert.Equal(t, int64(120000), cfg.PlanPrices[90])
	assert.Equal(t, int64(100), cfg.PaymeAmountMultiplier)
	assert.Equal(t, 10*time.Second, cfg.JoinGrace())
	assert.Empty(t, cfg.AdminIDs)
	assert.Empty(t, cfg.ControlledChats())
}

func TestLoadParsesListsAndSets(t *testing.T) {
	t.Setenv("ADMIN_IDS", "123, 456,oops,")
	t.Setenv("ALLOWED_WEBHOOK_IPS", " 10.0.0.1 ,10.0.0.2")
	t.Setenv("TRUSTED_PROXIES", "172.16.0.0/12")
	t.Setenv("GROUP_ID", "-1001")
	t.Setenv("CHANNEL_ID", "-1002")
	t.Setenv("PLAN_30", "55000")
	t.Setenv("PUBLIC_BASE_URL", "https://example.org/")

	cfg := Load()

	require.Len(t, cfg.AdminIDs, 2)
	assert.Contains(t, cfg.AdminIDs, int64(123))
	assert.Contains(t, cfg.AdminIDs, int64(456))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.AllowedWebhookIPs)
	assert.Equal(t, []string{"172.16.0.0/12"}, cfg.TrustedProxies)
	assert.Equal(t, []int64{-1001, -1002}, cfg.ControlledChats())
	assert.Equal(t, int64(55000), cfg.PlanPrices[30])
	assert.Equal(t, "https://example.org", cfg.PublicBaseURL)
}

func TestEnforced(t *testing.T) {
	assert.False(t, Enforced(DummySecret))
	assert.False(t, Enforced(""))
	assert.True(t, Enforced("s3cret"))
}
