package orders

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
)

func newTestClient(t *testing.T) *db.Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	client, err := db.New(context.Background(), config.DBConfig{
		Driver: config.DBDriverSQLite,
		DSN:    "file:" + name + "?mode=memory&cache=shared",
	}, nil)
	require.NoError(t, err)
	sqlDB, err := client.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.DB().AutoMigrate(&models.Order{}, &models.OutboxRecord{}, &models.OutboxDeadLetter{}))
	return client
}
