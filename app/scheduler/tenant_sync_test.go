package scheduler

import (
	"context"
	"testing"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	testingutil "github.com/amirphl/wa-campaign-dispatcher/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTenantSyncBindsNewTenants(t *testing.T) {
	db, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.TeardownTestDB() })

	fx := testingutil.NewTestFixtures(db)
	existing, err := fx.CreateTestTenant("existing", "p1")
	require.NoError(t, err)

	fresh := &models.Tenant{UUID: uuid.New(), Name: "fresh", Partition: "p2", IsActive: true}
	require.NoError(t, db.Control.Create(fresh).Error)
	orphan := &models.Tenant{UUID: uuid.New(), Name: "orphan", Partition: "p9", IsActive: true}
	require.NoError(t, db.Control.Create(orphan).Error)

	sync := NewTenantSync(repository.NewTenantRepository(db.Control), db.Registry, zap.NewNop())

	n, err := sync.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := db.Registry.Partition(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", p.Name)

	_, err = db.Registry.Partition(orphan.ID)
	assert.Error(t, err)
	assert.Equal(t, []uint{existing.ID, fresh.ID}, db.Registry.TenantIDs())

	n, err = sync.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
