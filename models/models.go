package models

// ControlModels are the global tables of the control partition
func ControlModels() []any {
	return []any{
		&Tenant{},
		&TenantCampaignSettings{},
	}
}

// PartitionModels are the tables every tenant partition carries
func PartitionModels() []any {
	return []any{
		&Sender{},
		&SenderUsage{},
		&MessageTemplate{},
		&CampaignTemplate{},
		&Audience{},
		&AudienceMember{},
		&Campaign{},
		&Target{},
		&Conversation{},
		&ConversationMessage{},
		&PhoneNumberHistory{},
		&WebhookEvent{},
	}
}
