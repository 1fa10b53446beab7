package businessflow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsertBody(instanceID, remoteJID, msgID, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "MESSAGES_UPSERT",
		"instance": "ignored",
		"instanceId": %q,
		"data": {
			"key": {"remoteJid": %q, "fromMe": false, "id": %q},
			"pushName": "WA Name",
			"message": {"conversation": %q},
			"messageTimestamp": 1773135000
		}
	}`, instanceID, remoteJID, msgID, text))
}

func listInbox(t *testing.T, env *testEnv, tenantID uint) []dto.ConversationResponse {
	t.Helper()
	resp, err := env.Inbound.ListConversations(context.Background(), &dto.ListConversationsRequest{TenantID: tenantID})
	require.NoError(t, err)
	return resp.Items
}

func reloadSender(t *testing.T, env *testEnv, sender *models.Sender) *models.Sender {
	t.Helper()
	var out *models.Sender
	err := env.DB.Registry.Within(context.Background(), sender.TenantID, func(ctx context.Context) error {
		var err error
		out, err = env.SenderRepo.ByID(ctx, sender.ID)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func TestInboundCorrelatesWithLatestTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)

	older, _ := env.runningCampaign(t, tenant.ID, "old", map[string]string{})
	_, err = env.Fixtures.CreateTestTarget(older, "+60111", models.TargetStateSent, map[string]string{"name": "Old Name"})
	require.NoError(t, err)
	latest, _ := env.runningCampaign(t, tenant.ID, "new", map[string]string{})
	_, err = env.Fixtures.CreateTestTarget(latest, "+60111", models.TargetStateSent, map[string]string{"name": "Alice"})
	require.NoError(t, err)

	res, err := env.Inbound.HandleWebhook(ctx, sender.SharedSecret, upsertBody(sender.ExternalID, "60111@s.whatsapp.net", "WAID-1", "hello"))
	require.NoError(t, err)
	require.NoError(t, res.ProcessError)
	assert.Equal(t, businessflow.WebhookMessagesUpsert, res.Event)
	assert.Equal(t, tenant.ID, res.TenantID)
	assert.Equal(t, "s1", res.SenderName)

	inbox := listInbox(t, env, tenant.ID)
	require.Len(t, inbox, 1)
	conv := inbox[0]
	assert.Equal(t, "+60111", conv.PeerPhone)
	assert.Equal(t, "s1", conv.SenderName)
	assert.Equal(t, "Alice", conv.CustomerName)
	assert.Equal(t, "unread", conv.Status)
	assert.Equal(t, 1, conv.UnreadCount)
	require.NotNil(t, conv.OriginatedFromCampaignID)
	assert.Equal(t, latest.ID, *conv.OriginatedFromCampaignID)
	assert.Contains(t, env.Publisher.Types(), services.EventInboundMessage)

	t.Run("SecondMessageReusesConversation", func(t *testing.T) {
		_, err := env.Inbound.HandleWebhook(ctx, sender.SharedSecret, upsertBody(sender.ExternalID, "60111@s.whatsapp.net", "WAID-2", "anyone there?"))
		require.NoError(t, err)

		inbox := listInbox(t, env, tenant.ID)
		require.Len(t, inbox, 1)
		assert.Equal(t, conv.UUID, inbox[0].UUID)
		assert.Equal(t, 2, inbox[0].UnreadCount)
		assert.Equal(t, 2, inbox[0].MessageCount)

		msgs, err := env.Inbound.ListMessages(ctx, &dto.ListMessagesRequest{TenantID: tenant.ID, UUID: conv.UUID})
		require.NoError(t, err)
		require.Len(t, msgs.Items, 2)
		assert.Equal(t, "hello", msgs.Items[0].Body)
		assert.Equal(t, "anyone there?", msgs.Items[1].Body)
		assert.Equal(t, "inbound", msgs.Items[0].Direction)
		assert.False(t, msgs.Items[0].IsRead)
	})

	t.Run("ReplyMarksConversationReplied", func(t *testing.T) {
		reply, err := env.Inbound.SendReply(ctx, &dto.SendReplyRequest{
			TenantID: tenant.ID,
			UUID:     conv.UUID,
			Body:     "thanks for reaching out",
			Agent:    "amy",
		})
		require.NoError(t, err)
		assert.Equal(t, "outbound", reply.Direction)
		assert.Equal(t, "amy", reply.SentByAgent)
		assert.NotEmpty(t, reply.ProviderMessageID)

		sent := env.Provider.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, businessflow.InstanceName(tenant.ID, "s1"), sent[0].Instance)
		assert.Equal(t, "60111", sent[0].Number)

		inbox := listInbox(t, env, tenant.ID)
		require.Len(t, inbox, 1)
		assert.Equal(t, "replied", inbox[0].Status)
		assert.Zero(t, inbox[0].UnreadCount)
		assert.Equal(t, "amy", inbox[0].AssignedAgent)
	})

	t.Run("ProviderRejectionStoresNothing", func(t *testing.T) {
		env.Provider.FailNext(&services.ProviderError{Kind: services.ProviderErrTransient, Status: 503, Detail: "unavailable"})
		_, err := env.Inbound.SendReply(ctx, &dto.SendReplyRequest{TenantID: tenant.ID, UUID: conv.UUID, Body: "retry me", Agent: "amy"})
		require.Error(t, err)

		msgs, err := env.Inbound.ListMessages(ctx, &dto.ListMessagesRequest{TenantID: tenant.ID, UUID: conv.UUID})
		require.NoError(t, err)
		assert.Len(t, msgs.Items, 3)
	})

	t.Run("CloseThenInboundReopens", func(t *testing.T) {
		closed, err := env.Inbound.CloseConversation(ctx, &dto.ConversationRequest{TenantID: tenant.ID, UUID: conv.UUID})
		require.NoError(t, err)
		assert.Equal(t, "closed", closed.Status)

		_, err = env.Inbound.HandleWebhook(ctx, sender.SharedSecret, upsertBody(sender.ExternalID, "60111@s.whatsapp.net", "WAID-3", "back again"))
		require.NoError(t, err)

		inbox := listInbox(t, env, tenant.ID)
		require.Len(t, inbox, 1)
		assert.Equal(t, "open", inbox[0].Status)
		assert.Equal(t, 1, inbox[0].UnreadCount)

		read, err := env.Inbound.MarkRead(ctx, &dto.ConversationRequest{TenantID: tenant.ID, UUID: conv.UUID})
		require.NoError(t, err)
		assert.Zero(t, read.UnreadCount)
	})
}

func TestInboundWithoutCampaignHistory(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)

	_, err = env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, upsertBody(sender.ExternalID, "60999@s.whatsapp.net", "WAID-9", "who is this"))
	require.NoError(t, err)

	inbox := listInbox(t, env, tenant.ID)
	require.Len(t, inbox, 1)
	assert.Nil(t, inbox[0].OriginatedFromCampaignID)
	assert.Equal(t, "WA Name", inbox[0].CustomerName)
}

func TestInboundRedeliveryIsStoredOnce(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)

	body := upsertBody(sender.ExternalID, "60999@s.whatsapp.net", "WAID-SAME", "hello")
	for i := 0; i < 2; i++ {
		res, err := env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, body)
		require.NoError(t, err)
		assert.NoError(t, res.ProcessError)
	}

	inbox := listInbox(t, env, tenant.ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, 1, inbox[0].UnreadCount)
	assert.Equal(t, 1, inbox[0].MessageCount)

	msgs, err := env.Inbound.ListMessages(context.Background(), &dto.ListMessagesRequest{TenantID: tenant.ID, UUID: inbox[0].UUID})
	require.NoError(t, err)
	assert.Len(t, msgs.Items, 1)

	_, err = env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, upsertBody(sender.ExternalID, "60999@s.whatsapp.net", "WAID-NEXT", "again"))
	require.NoError(t, err)
	inbox = listInbox(t, env, tenant.ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, 2, inbox[0].UnreadCount)
	assert.Equal(t, 2, inbox[0].MessageCount)
}

func TestInboundIgnoresOwnAndGroupMessages(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)

	fromMe := []byte(fmt.Sprintf(`{"event":"messages.upsert","instanceId":%q,"data":{"key":{"remoteJid":"60111@s.whatsapp.net","fromMe":true,"id":"X"},"message":{"conversation":"echo"}}}`, sender.ExternalID))
	group := []byte(fmt.Sprintf(`{"event":"messages.upsert","instanceId":%q,"data":{"key":{"remoteJid":"1203630@g.us","fromMe":false,"id":"Y"},"message":{"conversation":"group chatter"}}}`, sender.ExternalID))

	for _, body := range [][]byte{fromMe, group} {
		res, err := env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, body)
		require.NoError(t, err)
		assert.NoError(t, res.ProcessError)
	}
	assert.Empty(t, listInbox(t, env, tenant.ID))
}

func TestWebhookAuthentication(t *testing.T) {
	env := newTestEnv(t)
	alpha := env.tenant(t, "p1")
	beta := env.tenant(t, "p2")
	alphaSender, err := env.Fixtures.CreateTestSender(alpha.ID, "main")
	require.NoError(t, err)
	betaSender, err := env.Fixtures.CreateTestSender(beta.ID, "main")
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		body   []byte
		check  func(error) bool
	}{
		{
			name:   "WrongSecret",
			secret: "not-the-secret",
			body:   upsertBody(alphaSender.ExternalID, "60111@s.whatsapp.net", "A", "hi"),
			check:  businessflow.IsWebhookUnauthorized,
		},
		{
			name:   "SecretOfAnotherTenant",
			secret: betaSender.SharedSecret,
			body:   upsertBody(alphaSender.ExternalID, "60111@s.whatsapp.net", "A", "hi"),
			check:  businessflow.IsWebhookUnauthorized,
		},
		{
			name:   "UnknownInstance",
			secret: alphaSender.SharedSecret,
			body:   upsertBody("no-such-instance", "60111@s.whatsapp.net", "A", "hi"),
			check:  businessflow.IsWebhookUnauthorized,
		},
		{
			name:   "MissingSecret",
			secret: "",
			body:   upsertBody(alphaSender.ExternalID, "60111@s.whatsapp.net", "A", "hi"),
			check:  businessflow.IsWebhookUnauthorized,
		},
		{
			name:   "NotJSON",
			secret: alphaSender.SharedSecret,
			body:   []byte("<xml/>"),
			check:  businessflow.IsMalformedWebhook,
		},
		{
			name:   "MissingInstanceID",
			secret: alphaSender.SharedSecret,
			body:   []byte(`{"event":"messages.upsert","data":{}}`),
			check:  businessflow.IsMalformedWebhook,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Inbound.HandleWebhook(context.Background(), tt.secret, tt.body)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	assert.Empty(t, listInbox(t, env, alpha.ID))
	assert.Empty(t, listInbox(t, env, beta.ID))
}

func TestWebhookSenderEvents(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	sender, err := env.Fixtures.CreateTestSender(tenant.ID, "s1")
	require.NoError(t, err)

	qr := []byte(fmt.Sprintf(`{"event":"QRCODE_UPDATED","instanceId":%q,"data":{"qrcode":{"base64":"data:image/png;base64,QQ=="}}}`, sender.ExternalID))
	res, err := env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, qr)
	require.NoError(t, err)
	assert.Equal(t, "qrcode.updated", res.Event)

	qr = []byte(fmt.Sprintf(`{"event":"qrcode.update","instanceId":%q,"data":{"qrcode":{"base64":"data:image/png;base64,QQ=="}}}`, sender.ExternalID))
	_, err = env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, qr)
	require.NoError(t, err)

	reloaded := reloadSender(t, env, sender)
	assert.Equal(t, "data:image/png;base64,QQ==", reloaded.QRCode)

	closed := []byte(fmt.Sprintf(`{"event":"connection.update","instanceId":%q,"data":{"state":"close","statusReason":401}}`, sender.ExternalID))
	_, err = env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, closed)
	require.NoError(t, err)

	reloaded = reloadSender(t, env, sender)
	assert.Equal(t, models.ConnectionClosed, reloaded.ConnectionState)

	opened := []byte(fmt.Sprintf(`{"event":"connection.update","instanceId":%q,"data":{"state":"open","profileName":"Shop"}}`, sender.ExternalID))
	_, err = env.Inbound.HandleWebhook(context.Background(), sender.SharedSecret, opened)
	require.NoError(t, err)

	reloaded = reloadSender(t, env, sender)
	assert.Equal(t, models.ConnectionConnected, reloaded.ConnectionState)
	assert.Equal(t, "Shop", reloaded.ProfileName)
	assert.Empty(t, reloaded.QRCode)

	var events int64
	require.NoError(t, env.DB.Partitions["p1"].Model(&models.WebhookEvent{}).Count(&events).Error)
	assert.Equal(t, int64(4), events)
}

func TestSendReplyValidation(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")

	_, err := env.Inbound.SendReply(context.Background(), &dto.SendReplyRequest{TenantID: tenant.ID, UUID: "7d4a2f6e-8f57-4b8e-9d0c-1f7e2a3b4c5d", Agent: "amy"})
	require.Error(t, err)
	assert.True(t, businessflow.IsValidation(err))

	_, err = env.Inbound.SendReply(context.Background(), &dto.SendReplyRequest{TenantID: tenant.ID, UUID: "7d4a2f6e-8f57-4b8e-9d0c-1f7e2a3b4c5d", Body: "hi", Agent: "amy"})
	require.Error(t, err)
	assert.True(t, businessflow.IsNotFound(err))
	assert.True(t, errors.Is(err, businessflow.ErrConversationNotFound))
	assert.Empty(t, env.Provider.Sent())
}
