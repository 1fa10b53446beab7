package businessflow_test

import (
	"context"
	"testing"

	"github.com/amirphl/wa-campaign-dispatcher/app/dto"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedRandom always draws n, clamped to the range
type fixedRandom int

func (f fixedRandom) IntN(n int) int {
	if int(f) >= n {
		return n - 1
	}
	return int(f)
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		body string
		data map[string]string
		want string
	}{
		{"Simple", "Hi {{name}}!", map[string]string{"name": "Ana"}, "Hi Ana!"},
		{"Spaces", "Hi {{ name }}, code {{code}}", map[string]string{"name": "Ana", "code": "X1"}, "Hi Ana, code X1"},
		{"MissingRendersEmpty", "Hi {{name}}{{suffix}}", map[string]string{"name": "Ana"}, "Hi Ana"},
		{"Repeated", "{{a}}-{{a}}", map[string]string{"a": "x"}, "x-x"},
		{"NoPlaceholders", "plain text", nil, "plain text"},
		{"SingleBracesUntouched", "{name}", map[string]string{"name": "Ana"}, "{name}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, businessflow.RenderTemplate(tt.body, tt.data))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"name", "order.id"}, businessflow.Placeholders("{{name}} {{ order.id }} {{name}}"))
	assert.Empty(t, businessflow.Placeholders("none here"))

	tpl := &models.MessageTemplate{Content: "{{a}}", VariationA: "{{b}}", VariationB: "{{c}}"}
	assert.Equal(t, []string{"a"}, businessflow.TemplatePlaceholders(tpl))
	tpl.UseVariations = true
	assert.Equal(t, []string{"a", "b", "c"}, businessflow.TemplatePlaceholders(tpl))
}

func TestPickVariant(t *testing.T) {
	tpl := &models.MessageTemplate{Content: "main", VariationA: "alt a", VariationB: ""}
	assert.Equal(t, "main", businessflow.PickVariant(tpl, fixedRandom(1)))

	tpl.UseVariations = true
	assert.Equal(t, "main", businessflow.PickVariant(tpl, fixedRandom(0)))
	assert.Equal(t, "alt a", businessflow.PickVariant(tpl, fixedRandom(1)))
	// the empty variation B is never drawn
	assert.Equal(t, "alt a", businessflow.PickVariant(tpl, fixedRandom(2)))
}

func TestCreateTemplate(t *testing.T) {
	env := newTestEnv(t)
	tenant := env.tenant(t, "p1")
	flow := businessflow.NewTemplateFlow(env.DB.Registry, repository.NewTemplateRepository(), zap.NewNop())

	resp, err := flow.CreateTemplate(context.Background(), &dto.CreateTemplateRequest{
		TenantID:      tenant.ID,
		Name:          "welcome",
		Content:       "Hello {{name}}",
		VariationA:    "Hey {{name}}, {{offer}}",
		UseVariations: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "welcome", resp.Name)
	assert.Equal(t, []string{"name", "offer"}, resp.Placeholders)

	_, err = flow.CreateTemplate(context.Background(), &dto.CreateTemplateRequest{TenantID: tenant.ID, Name: "blank", Content: "   "})
	require.Error(t, err)
	assert.True(t, businessflow.IsValidation(err))
}
