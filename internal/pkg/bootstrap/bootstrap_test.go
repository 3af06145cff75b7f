package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/config"
	"github.com/ManuelReschke/SubSync/internal/pkg/database"
	"github.com/ManuelReschke/SubSync/internal/pkg/entitlements"
)

func testConfig(t *testing.T, overrides map[string]string) *config.Config {
	t.Helper()
	vars := map[string]string{
		"DB_DRIVER":    "sqlite",
		"MAIL_DRIVER":  "log",
		"LOCK_BACKEND": "memory",
		"NOTIFY_ASYNC": "false",
	}
	for k, v := range overrides {
		vars[k] = v
	}
	cfg, err := config.Parse(env.Options{Environment: vars})
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresComponents(t *testing.T) {
	db := database.NewTestDB(t)
	rt, err := Build(testConfig(t, nil), db, nil)
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Billing)
	require.NotNil(t, rt.Queue)
	require.NotNil(t, rt.Manager)
	require.NotNil(t, rt.Repos)
	assert.Same(t, rt.Queue, rt.Manager.GetQueue())

	u := &models.User{Email: "boot@example.com"}
	require.NoError(t, rt.Repos.User.Create(u))

	future := time.Now().UTC().Add(48 * time.Hour)
	out, err := rt.Billing.SetManualExpiration(context.Background(), u.ID, &future)
	require.NoError(t, err)
	assert.True(t, out.After.IsSubscribed)

	status, err := rt.Billing.Status(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingProviderManual, status.WinningProvider)
	assert.NotEqual(t, entitlements.StatusExpired, status.Status)
}

func TestBuildRejectsRedisLocksWithoutClient(t *testing.T) {
	db := database.NewTestDB(t)
	_, err := Build(testConfig(t, map[string]string{"LOCK_BACKEND": "redis"}), db, nil)
	assert.Error(t, err)
}
