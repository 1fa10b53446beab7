package businessflow

import (
	"regexp"
	"strings"

	"github.com/amirphl/wa-campaign-dispatcher/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderTemplate substitutes {{field}} placeholders from data. Unknown fields render empty.
func RenderTemplate(body string, data map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return data[name]
	})
}

// Placeholders lists distinct placeholder names of body in order of appearance
func Placeholders(body string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// TemplatePlaceholders lists placeholders across every variant a template may send
func TemplatePlaceholders(t *models.MessageTemplate) []string {
	parts := []string{t.Content}
	if t.UseVariations {
		parts = append(parts, t.VariationA, t.VariationB)
	}
	return Placeholders(strings.Join(parts, "\n"))
}

// PickVariant chooses the body to send: uniform among non-empty variants when
// variations are on, the main content otherwise
func PickVariant(t *models.MessageTemplate, rnd Randomizer) string {
	variants := t.Variants()
	if len(variants) == 1 {
		return variants[0]
	}
	return variants[rnd.IntN(len(variants))]
}
