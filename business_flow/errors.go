// Package businessflow contains the dispatcher use cases: campaign orchestration,
// sender selection, dispatch, inbound ingestion and the operator workflows
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"gorm.io/gorm"
)

// Business flow error constants
var (
	// Generic kinds
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")

	// Campaign-related errors
	ErrCampaignNotFound     = fmt.Errorf("campaign %w", ErrNotFound)
	ErrCampaignUUIDRequired = errors.New("campaign UUID is required")
	ErrInvalidTransition    = fmt.Errorf("invalid campaign status transition: %w", ErrConflict)
	ErrTemplateNotFound     = fmt.Errorf("template %w", ErrNotFound)
	ErrTemplateEmpty        = fmt.Errorf("template content is empty: %w", ErrValidation)
	ErrAudienceNotFound     = fmt.Errorf("audience %w", ErrNotFound)
	ErrAudienceEmpty        = fmt.Errorf("audience has no members: %w", ErrValidation)
	ErrNoConnectedSender    = fmt.Errorf("no connected active sender in the campaign pool: %w", ErrValidation)
	ErrInvalidDelayRange    = fmt.Errorf("min delay must not exceed max delay: %w", ErrValidation)
	ErrInvalidRate          = fmt.Errorf("rate per hour must be positive: %w", ErrValidation)

	// Target-related errors
	ErrTargetNotFound = fmt.Errorf("target %w", ErrNotFound)
	ErrTargetConflict = fmt.Errorf("target state changed concurrently: %w", ErrConflict)

	// Sender-related errors
	ErrSenderNotFound       = fmt.Errorf("sender %w", ErrNotFound)
	ErrSenderAlreadyExists  = fmt.Errorf("sender name already exists: %w", ErrConflict)
	ErrSenderLimitReached   = fmt.Errorf("sender limit reached: %w", ErrValidation)
	ErrSenderNotProvisioned = fmt.Errorf("sender has no provider instance: %w", ErrValidation)

	// Conversation-related errors
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrReplyEmpty           = fmt.Errorf("reply needs a body or a media url: %w", ErrValidation)

	// Webhook errors
	ErrWebhookUnauthorized = errors.New("webhook authentication failed")
	ErrMalformedWebhook    = fmt.Errorf("malformed webhook payload: %w", ErrValidation)

	// Settings errors
	ErrInvalidSettings = fmt.Errorf("invalid campaign settings: %w", ErrValidation)
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, tenancy.ErrWorkItemNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, gorm.ErrDuplicatedKey)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsWebhookUnauthorized(err error) bool {
	return errors.Is(err, ErrWebhookUnauthorized)
}

func IsMalformedWebhook(err error) bool {
	return errors.Is(err, ErrMalformedWebhook)
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsSenderLimitReached(err error) bool {
	return errors.Is(err, ErrSenderLimitReached)
}

// IsProviderError reports whether err carries a provider failure, and of which kind
func IsProviderError(err error) (services.ProviderErrorKind, bool) {
	if pe, ok := services.AsProviderError(err); ok {
		return pe.Kind, true
	}
	return "", false
}

// IsTenantScopeError reports a missing or released tenant scope
func IsTenantScopeError(err error) bool {
	return errors.Is(err, tenancy.ErrNoTenantScope) || errors.Is(err, tenancy.ErrScopeReleased) || errors.Is(err, tenancy.ErrUnknownTenant)
}

// ErrorCode returns the stable code of a business error, or fallback
func ErrorCode(err error, fallback string) string {
	var be *BusinessError
	if errors.As(err, &be) && be.Code != "" {
		return be.Code
	}
	return fallback
}
