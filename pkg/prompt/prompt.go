package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zen-systems/pixelgate/pkg/config"
)

// FallbackSeparator joins the user's prompt to a vision description when a
// transform falls back to text-to-image.
const FallbackSeparator = " Based on this image: "

// Builder applies prompt transforms before any provider call.
type Builder struct {
	enrichments []compiledEnrichment
	qualifiers  []string
	instruction string
}

type compiledEnrichment struct {
	pattern *regexp.Regexp
	suffix  string
}

// New compiles the prompt configuration.
func New(cfg config.PromptConfig) *Builder {
	b := &Builder{
		qualifiers:  append([]string(nil), cfg.VariationQualifiers...),
		instruction: cfg.DescribeInstruction,
	}
	for _, e := range cfg.Enrichments {
		keyword := strings.TrimSpace(e.Keyword)
		if keyword == "" || strings.TrimSpace(e.Suffix) == "" {
			continue
		}
		b.enrichments = append(b.enrichments, compiledEnrichment{
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`),
			suffix:  strings.TrimSpace(e.Suffix),
		})
	}
	if b.instruction == "" {
		b.instruction = "Describe this image in detail."
	}
	return b
}

// Compose folds the style tag into the prompt and applies enrichment.
func (b *Builder) Compose(text, style string) string {
	text = strings.TrimSpace(text)
	if style = strings.TrimSpace(style); style != "" {
		text = fmt.Sprintf("%s, in %s style", text, style)
	}
	return b.Enrich(text)
}

// Enrich appends the thematic suffix of every enrichment whose keyword
// appears in text. A suffix already present is not appended again.
func (b *Builder) Enrich(text string) string {
	if b == nil {
		return text
	}
	for _, e := range b.enrichments {
		if !e.pattern.MatchString(text) {
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(e.suffix)) {
			continue
		}
		text = text + ", " + e.suffix
	}
	return text
}

// FallbackSeed builds the text-to-image prompt used when an image edit fails.
func FallbackSeed(original, description string) string {
	return original + FallbackSeparator + description
}

// Variation returns the description perturbed for variant i (zero-based).
func (b *Builder) Variation(description string, i int) string {
	if b == nil || len(b.qualifiers) == 0 {
		return fmt.Sprintf("%s (variation %d)", description, i+1)
	}
	return description + ", " + b.qualifiers[i%len(b.qualifiers)]
}

// DescribeInstruction is the text sent alongside an image to vision models.
func (b *Builder) DescribeInstruction() string {
	return b.instruction
}
