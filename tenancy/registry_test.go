package tenancy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	testingutil "github.com/amirphl/wa-campaign-dispatcher/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*testingutil.TestDB, *testingutil.TestFixtures) {
	t.Helper()
	db, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.TeardownTestDB() })
	return db, testingutil.NewTestFixtures(db)
}

func TestRegistryBinding(t *testing.T) {
	db, fx := setup(t)

	alpha, err := fx.CreateTestTenant("alpha", "p1")
	require.NoError(t, err)

	p, err := db.Registry.Partition(alpha.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.Name)

	t.Run("PartitionHoldsOneTenant", func(t *testing.T) {
		err := db.Registry.Bind(alpha.ID+100, "p1")
		assert.ErrorIs(t, err, tenancy.ErrPartitionTaken)
	})

	t.Run("UnknownPartition", func(t *testing.T) {
		err := db.Registry.Bind(alpha.ID+100, "p9")
		assert.ErrorIs(t, err, tenancy.ErrUnknownPartition)
	})

	t.Run("UnknownTenant", func(t *testing.T) {
		_, err := db.Registry.Partition(alpha.ID + 100)
		assert.ErrorIs(t, err, tenancy.ErrUnknownTenant)

		err = db.Registry.Within(context.Background(), alpha.ID+100, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, tenancy.ErrUnknownTenant)
	})

	t.Run("DuplicatePartition", func(t *testing.T) {
		err := db.Registry.AddPartition("p1", db.Partitions["p1"])
		assert.ErrorIs(t, err, tenancy.ErrDuplicatePartition)
	})
}

func TestRegistryLoad(t *testing.T) {
	db, _ := setup(t)

	tenants := []*models.Tenant{
		{UUID: uuid.New(), Name: "alpha", Partition: "p1", IsActive: true},
		{UUID: uuid.New(), Name: "ghost", Partition: "p9", IsActive: true},
	}
	for _, tn := range tenants {
		require.NoError(t, db.Control.Create(tn).Error)
	}

	fresh := tenancy.NewRegistry(db.Control, nil)
	for _, name := range testingutil.DefaultPartitions {
		require.NoError(t, fresh.AddPartition(name, db.Partitions[name]))
	}
	require.NoError(t, fresh.Load(context.Background()))

	assert.Equal(t, []uint{tenants[0].ID}, fresh.TenantIDs())
	p, err := fresh.Partition(tenants[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.Name)
}

func TestScopeLifetime(t *testing.T) {
	db, fx := setup(t)
	alpha, err := fx.CreateTestTenant("alpha", "p1")
	require.NoError(t, err)

	_, err = tenancy.DB(context.Background())
	assert.ErrorIs(t, err, tenancy.ErrNoTenantScope)

	var leaked context.Context
	err = db.Registry.Within(context.Background(), alpha.ID, func(ctx context.Context) error {
		id, err := tenancy.TenantID(ctx)
		require.NoError(t, err)
		assert.Equal(t, alpha.ID, id)

		_, err = tenancy.DB(ctx)
		require.NoError(t, err)
		leaked = ctx
		return nil
	})
	require.NoError(t, err)

	_, err = tenancy.DB(leaked)
	assert.ErrorIs(t, err, tenancy.ErrScopeReleased)

	senders := repository.NewSenderRepository()
	_, err = senders.ByName(leaked, alpha.ID, "s1")
	assert.ErrorIs(t, err, tenancy.ErrScopeReleased)

	_, err = senders.ByName(context.Background(), alpha.ID, "s1")
	assert.ErrorIs(t, err, tenancy.ErrNoTenantScope)
}

func TestScopeReleasedOnError(t *testing.T) {
	db, fx := setup(t)
	alpha, err := fx.CreateTestTenant("alpha", "p1")
	require.NoError(t, err)

	boom := errors.New("boom")
	var leaked context.Context
	err = db.Registry.Within(context.Background(), alpha.ID, func(ctx context.Context) error {
		leaked = ctx
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = tenancy.TenantID(leaked)
	assert.ErrorIs(t, err, tenancy.ErrScopeReleased)
}

func TestWithinOwner(t *testing.T) {
	db, fx := setup(t)
	alpha, err := fx.CreateTestTenant("alpha", "p1")
	require.NoError(t, err)
	beta, err := fx.CreateTestTenant("beta", "p2")
	require.NoError(t, err)

	sender, err := fx.CreateTestSender(beta.ID, "main")
	require.NoError(t, err)
	_, err = fx.CreateTestSender(alpha.ID, "main")
	require.NoError(t, err)

	t.Run("FindsOwningPartition", func(t *testing.T) {
		var owner uint
		err := db.Registry.WithinOwner(context.Background(), tenancy.ProbeUUID(&models.Sender{}, sender.UUID), func(ctx context.Context) error {
			var err error
			owner, err = tenancy.TenantID(ctx)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, beta.ID, owner)
	})

	t.Run("ByColumn", func(t *testing.T) {
		var owner uint
		probe := tenancy.ProbeColumn(&models.Sender{}, "external_id", sender.ExternalID)
		err := db.Registry.WithinOwner(context.Background(), probe, func(ctx context.Context) error {
			var err error
			owner, err = tenancy.TenantID(ctx)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, beta.ID, owner)
	})

	t.Run("NoOwner", func(t *testing.T) {
		called := false
		err := db.Registry.WithinOwner(context.Background(), tenancy.ProbeUUID(&models.Sender{}, uuid.New()), func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, tenancy.ErrWorkItemNotFound)
		assert.False(t, called)
	})
}

func TestEachVisitsEveryTenant(t *testing.T) {
	db, fx := setup(t)
	alpha, err := fx.CreateTestTenant("alpha", "p1")
	require.NoError(t, err)
	beta, err := fx.CreateTestTenant("beta", "p2")
	require.NoError(t, err)

	var seen []uint
	boom := errors.New("boom")
	err = db.Registry.Each(context.Background(), func(ctx context.Context, tenantID uint) error {
		scoped, err := tenancy.TenantID(ctx)
		require.NoError(t, err)
		assert.Equal(t, tenantID, scoped)
		seen = append(seen, tenantID)
		if tenantID == alpha.ID {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []uint{alpha.ID, beta.ID}, seen)
}
