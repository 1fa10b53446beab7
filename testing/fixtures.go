package testing

import (
	"fmt"
	"sort"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB  *TestDB
	Now time.Time
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db, Now: time.Now().UTC().Truncate(time.Second)}
}

// partition returns the partition handle bound to tenantID
func (tf *TestFixtures) partition(tenantID uint) (*gorm.DB, error) {
	p, err := tf.DB.Registry.Partition(tenantID)
	if err != nil {
		return nil, err
	}
	return p.DB, nil
}

// CreateTestTenant creates a tenant on the control database and binds it to partition
func (tf *TestFixtures) CreateTestTenant(name, partition string) (*models.Tenant, error) {
	tenant := &models.Tenant{
		UUID:      uuid.New(),
		Name:      name,
		Partition: partition,
		IsActive:  true,
	}
	if err := tf.DB.Control.Create(tenant).Error; err != nil {
		return nil, fmt.Errorf("failed to create test tenant: %w", err)
	}
	if err := tf.DB.Registry.Bind(tenant.ID, partition); err != nil {
		return nil, err
	}
	return tenant, nil
}

// CreateTestSettings stores an explicit anti-ban policy for the tenant
func (tf *TestFixtures) CreateTestSettings(settings *models.TenantCampaignSettings) error {
	if err := tf.DB.Control.Create(settings).Error; err != nil {
		return fmt.Errorf("failed to create test settings: %w", err)
	}
	return nil
}

// CreateTestSender creates a connected sender with its usage row
func (tf *TestFixtures) CreateTestSender(tenantID uint, name string) (*models.Sender, error) {
	db, err := tf.partition(tenantID)
	if err != nil {
		return nil, err
	}

	secret, err := utils.RandomHex(utils.SharedSecretBytes)
	if err != nil {
		return nil, err
	}
	sender := &models.Sender{
		UUID:            uuid.New(),
		TenantID:        tenantID,
		SenderName:      name,
		ExternalID:      fmt.Sprintf("ext-%d-%s", tenantID, name),
		SharedSecret:    secret,
		ConnectionState: models.ConnectionConnected,
		IsActive:        true,
	}
	if err := db.Create(sender).Error; err != nil {
		return nil, fmt.Errorf("failed to create test sender: %w", err)
	}

	usage := &models.SenderUsage{
		TenantID:      tenantID,
		SenderName:    name,
		LastHourReset: utils.HourStart(tf.Now),
		LastDayReset:  utils.DayStart(tf.Now),
	}
	if err := db.Create(usage).Error; err != nil {
		return nil, fmt.Errorf("failed to create test sender usage: %w", err)
	}

	return sender, nil
}

// UpdateTestSender overwrites columns of a sender
func (tf *TestFixtures) UpdateTestSender(sender *models.Sender, updates map[string]any) error {
	db, err := tf.partition(sender.TenantID)
	if err != nil {
		return err
	}
	return db.Model(&models.Sender{}).Where("id = ?", sender.ID).Updates(updates).Error
}

// UpdateTestCampaign overwrites columns of a campaign
func (tf *TestFixtures) UpdateTestCampaign(campaign *models.Campaign, updates map[string]any) error {
	db, err := tf.partition(campaign.TenantID)
	if err != nil {
		return err
	}
	return db.Model(&models.Campaign{}).Where("id = ?", campaign.ID).Updates(updates).Error
}

// UpdateTestUsage overwrites columns of a sender's usage row
func (tf *TestFixtures) UpdateTestUsage(tenantID uint, name string, updates map[string]any) error {
	db, err := tf.partition(tenantID)
	if err != nil {
		return err
	}
	return db.Model(&models.SenderUsage{}).
		Where("tenant_id = ? AND sender_name = ?", tenantID, name).
		Updates(updates).Error
}

// CreateTestTemplate creates a plain template with the given body
func (tf *TestFixtures) CreateTestTemplate(tenantID uint, content string) (*models.MessageTemplate, error) {
	db, err := tf.partition(tenantID)
	if err != nil {
		return nil, err
	}
	tpl := &models.MessageTemplate{
		UUID:     uuid.New(),
		TenantID: tenantID,
		Name:     "greeting",
		Content:  content,
	}
	if err := db.Create(tpl).Error; err != nil {
		return nil, fmt.Errorf("failed to create test template: %w", err)
	}
	return tpl, nil
}

// CreateTestAudience creates an audience from phone -> name pairs
func (tf *TestFixtures) CreateTestAudience(tenantID uint, members map[string]string) (*models.Audience, error) {
	db, err := tf.partition(tenantID)
	if err != nil {
		return nil, err
	}
	audience := &models.Audience{
		UUID:     uuid.New(),
		TenantID: tenantID,
		Name:     "test audience",
	}
	if err := db.Create(audience).Error; err != nil {
		return nil, fmt.Errorf("failed to create test audience: %w", err)
	}
	phones := make([]string, 0, len(members))
	for phone := range members {
		phones = append(phones, phone)
	}
	sort.Strings(phones)
	for _, phone := range phones {
		member := &models.AudienceMember{
			AudienceID: audience.ID,
			Phone:      phone,
			Data:       map[string]string{"name": members[phone]},
		}
		if err := db.Create(member).Error; err != nil {
			return nil, fmt.Errorf("failed to create test audience member: %w", err)
		}
	}
	return audience, nil
}

// CreateTestCampaign creates a running campaign over template and audience
func (tf *TestFixtures) CreateTestCampaign(tenantID uint, tpl *models.MessageTemplate, audience *models.Audience, ratePerHour int) (*models.Campaign, error) {
	db, err := tf.partition(tenantID)
	if err != nil {
		return nil, err
	}
	startedAt := tf.Now
	campaign := &models.Campaign{
		UUID:            uuid.New(),
		TenantID:        tenantID,
		Name:            "test campaign",
		TemplateID:      tpl.ID,
		AudienceID:      audience.ID,
		Status:          models.CampaignStatusRunning,
		RatePerHour:     ratePerHour,
		MinDelayMinutes: 0,
		MaxDelayMinutes: 0,
		MaxRetries:      3,
		StartedAt:       &startedAt,
	}
	if err := db.Create(campaign).Error; err != nil {
		return nil, fmt.Errorf("failed to create test campaign: %w", err)
	}
	return campaign, nil
}

// CreateTestTarget creates a target of campaign in the given state
func (tf *TestFixtures) CreateTestTarget(campaign *models.Campaign, phone string, state models.TargetState, data map[string]string) (*models.Target, error) {
	db, err := tf.partition(campaign.TenantID)
	if err != nil {
		return nil, err
	}
	target := &models.Target{
		UUID:       uuid.New(),
		TenantID:   campaign.TenantID,
		CampaignID: campaign.ID,
		Phone:      phone,
		State:      state,
		MemberData: data,
	}
	if err := db.Create(target).Error; err != nil {
		return nil, fmt.Errorf("failed to create test target: %w", err)
	}
	return target, nil
}

// ReloadTarget reads a target back from its partition
func (tf *TestFixtures) ReloadTarget(target *models.Target) (*models.Target, error) {
	db, err := tf.partition(target.TenantID)
	if err != nil {
		return nil, err
	}
	var out models.Target
	if err := db.Where("id = ?", target.ID).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ReloadCampaign reads a campaign back from its partition
func (tf *TestFixtures) ReloadCampaign(campaign *models.Campaign) (*models.Campaign, error) {
	db, err := tf.partition(campaign.TenantID)
	if err != nil {
		return nil, err
	}
	var out models.Campaign
	if err := db.Where("id = ?", campaign.ID).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ReloadUsage reads a sender's usage row back from its partition
func (tf *TestFixtures) ReloadUsage(tenantID uint, name string) (*models.SenderUsage, error) {
	db, err := tf.partition(tenantID)
	if err != nil {
		return nil, err
	}
	var out models.SenderUsage
	if err := db.Where("tenant_id = ? AND sender_name = ?", tenantID, name).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}
