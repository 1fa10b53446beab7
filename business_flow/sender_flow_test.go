package businessflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSender(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t)
		tenant := env.tenant(t, "p1")

		resp, err := env.Senders.CreateSender(context.Background(), &dto.CreateSenderRequest{TenantID: tenant.ID, SenderName: "alpha"})
		require.NoError(t, err)

		name := businessflow.InstanceName(tenant.ID, "alpha")
		assert.Equal(t, "alpha", resp.Sender.SenderName)
		assert.Equal(t, "inst-"+name, resp.Sender.ExternalID)
		assert.Equal(t, "disconnected", resp.Sender.ConnectionState)
		assert.True(t, resp.Sender.IsActive)
		assert.Equal(t, "https://dispatcher.example.com/api/v1/webhooks/evolution", resp.WebhookURL)
		assert.Len(t, resp.WebhookSecret, 64)

		require.Len(t, env.Provider.created, 1)
		created := env.Provider.created[0]
		assert.Equal(t, name, created.Name)
		assert.Equal(t, resp.WebhookURL, created.WebhookURL)
		assert.Equal(t, resp.WebhookSecret, created.WebhookHeaders["X-Webhook-Secret"])

		senders, err := env.Senders.ListSenders(context.Background(), tenant.ID)
		require.NoError(t, err)
		require.Len(t, senders, 1)
		require.NotNil(t, senders[0].Usage)
		assert.Zero(t, senders[0].Usage.MessagesSentToday)
	})

	t.Run("DuplicateName", func(t *testing.T) {
		env := newTestEnv(t)
		tenant := env.tenant(t, "p1")
		req := &dto.CreateSenderRequest{TenantID: tenant.ID, SenderName: "alpha"}

		_, err := env.Senders.CreateSender(context.Background(), req)
		require.NoError(t, err)
		_, err = env.Senders.CreateSender(context.Background(), req)
		require.Error(t, err)
		assert.True(t, businessflow.IsConflict(err))
		assert.Len(t, env.Provider.created, 1)
	})

	t.Run("SameNameInAnotherTenant", func(t *testing.T) {
		env := newTestEnv(t)
		alpha := env.tenant(t, "p1")
		beta := env.tenant(t, "p2")

		_, err := env.Senders.CreateSender(context.Background(), &dto.CreateSenderRequest{TenantID: alpha.ID, SenderName: "main"})
		require.NoError(t, err)
		_, err = env.Senders.CreateSender(context.Background(), &dto.CreateSenderRequest{TenantID: beta.ID, SenderName: "main"})
		require.NoError(t, err)

		require.Len(t, env.Provider.created, 2)
		assert.NotEqual(t, env.Provider.created[0].Name, env.Provider.created[1].Name)
	})

	t.Run("LimitReached", func(t *testing.T) {
		env := newTestEnv(t)
		tenant := env.tenant(t, "p1")
		for _, name := range []string{"one", "two"} {
			_, err := env.Senders.CreateSender(context.Background(), &dto.CreateSenderRequest{TenantID: tenant.ID, SenderName: name})
			require.NoError(t, err)
		}

		_, err := env.Senders.CreateSender(context.Background(), &dto.CreateSenderRequest{TenantID: tenant.ID, SenderName: "three"})
		require.Error(t, err)
		assert.True(t, businessflow.IsSenderLimitReached(err))
	})

	t.Run("ProviderFailureStoresNothing", func(t *testing.T) {
		env := newTestEnv(t)
		tenant := env.tenant(t, "p1")
		env.Provider.createErr = &services.ProviderError{Kind: services.ProviderErrAuth, Status: 401, Detail: "bad api key"}

		_, err := env.Senders.CreateSender(context.Background(), &dto.CreateSenderRequest{TenantID: tenant.ID, SenderName: "alpha"})
		require.Error(t, err)
		kind, ok := businessflow.IsProviderError(err)
		assert.True(t, ok)
		assert.Equal(t, services.ProviderErrAuth, kind)

		senders, err := env.Senders.ListSenders(context.Background(), tenant.ID)
		require.NoError(t, err)
		assert.Empty(t, senders)
	})
}

func TestSenderProviderOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)
	req := &dto.SenderRequest{TenantID: tenant.ID, SenderName: "s1"}

	t.Run("RefreshReadsProviderState", func(t *testing.T) {
		resp, err := env.Senders.RefreshSender(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "connected", resp.ConnectionState)
		assert.NotNil(t, resp.LastSyncAt)
		assert.NotNil(t, resp.Usage)
	})

	t.Run("RestartReactivates", func(t *testing.T) {
		require.NoError(t, env.Fixtures.UpdateTestSender(sender, map[string]any{"is_active": false}))

		resp, err := env.Senders.RestartSender(ctx, req)
		require.NoError(t, err)
		assert.True(t, resp.IsActive)
		assert.Equal(t, "connecting", resp.ConnectionState)
		assert.True(t, reloadSender(t, env, sender).IsActive)
	})

	t.Run("QRCodeIsStored", func(t *testing.T) {
		resp, err := env.Senders.GetQR(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "ABCD1234", resp.PairingCode)
		assert.Equal(t, "connecting", resp.ConnectionState)
		assert.Equal(t, resp.QRCode, reloadSender(t, env, sender).QRCode)
	})

	t.Run("UnknownSender", func(t *testing.T) {
		_, err := env.Senders.GetQR(ctx, &dto.SenderRequest{TenantID: tenant.ID, SenderName: "ghost"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, businessflow.ErrSenderNotFound))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, env.Senders.DeleteSender(ctx, req))
		assert.Contains(t, env.Provider.deleted, businessflow.InstanceName(tenant.ID, "s1"))

		senders, err := env.Senders.ListSenders(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Empty(t, senders)
	})
}

func TestCheckNumbersRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	_, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)
	env.Provider.numbers["60111"] = true
	env.Provider.numbers["60222"] = false

	resp, err := env.Senders.CheckNumbers(context.Background(), &dto.CheckNumbersRequest{
		TenantID:   tenant.ID,
		SenderName: "s1",
		Phones:     []string{"+60111", "0060 222", "x"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, dto.NumberCheckResult{Phone: "x", Status: "unknown"}, resp.Results[0])
	assert.Equal(t, dto.NumberCheckResult{Phone: "+60111", Exists: true, Status: "confirmed"}, resp.Results[1])
	assert.Equal(t, dto.NumberCheckResult{Phone: "+60222", Status: "not_available"}, resp.Results[2])

	err = env.DB.Registry.Within(context.Background(), tenant.ID, func(ctx context.Context) error {
		h, err := env.HistoryRepo.ByPhone(ctx, "+60222")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, models.WhatsAppNotAvailable, h.WhatsAppStatus)

		h, err = env.HistoryRepo.ByPhone(ctx, "+60111")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, models.WhatsAppConfirmed, h.WhatsAppStatus)
		return nil
	})
	require.NoError(t, err)
}

func TestCheckNumbersNeedsConnectedSender(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)
	require.NoError(t, env.Fixtures.UpdateTestSender(sender, map[string]any{"connection_state": models.ConnectionDisconnected}))

	_, err = env.Senders.CheckNumbers(context.Background(), &dto.CheckNumbersRequest{
		TenantID:   tenant.ID,
		SenderName: "s1",
		Phones:     []string{"+60111"},
	})
	require.Error(t, err)
	assert.True(t, businessflow.IsValidation(err))
}
