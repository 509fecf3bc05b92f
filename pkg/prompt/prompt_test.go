package prompt

import (
	"strings"
	"testing"

	"github.com/zen-systems/pixelgate/pkg/config"
)

func testBuilder() *Builder {
	return New(config.PromptConfig{
		Enrichments: []config.Enrichment{
			{Keyword: "halloween", Suffix: "spooky glowing pumpkins"},
		},
		VariationQualifiers: []string{"different angle", "minor background change"},
	})
}

func TestEnrichMatchesWholeWordCaseInsensitive(t *testing.T) {
	b := testBuilder()

	got := b.Enrich("A HALLOWEEN party")
	if got != "A HALLOWEEN party, spooky glowing pumpkins" {
		t.Fatalf("unexpected enrichment %q", got)
	}
	if b.Enrich("halloweenish decor") != "halloweenish decor" {
		t.Fatalf("partial word should not enrich")
	}
	if b.Enrich(got) != got {
		t.Fatalf("enrichment should not repeat")
	}
}

func TestComposeAddsStyle(t *testing.T) {
	b := testBuilder()
	got := b.Compose(" a cat ", "anime")
	if got != "a cat, in anime style" {
		t.Fatalf("unexpected compose %q", got)
	}
	if b.Compose("a cat", "") != "a cat" {
		t.Fatalf("empty style should not change prompt")
	}
}

func TestFallbackSeed(t *testing.T) {
	got := FallbackSeed("make it blue", "a red car")
	if got != "make it blue Based on this image: a red car" {
		t.Fatalf("unexpected seed %q", got)
	}
}

func TestVariationCyclesQualifiers(t *testing.T) {
	b := testBuilder()
	if !strings.HasSuffix(b.Variation("desc", 0), "different angle") {
		t.Fatalf("expected first qualifier")
	}
	if !strings.HasSuffix(b.Variation("desc", 2), "different angle") {
		t.Fatalf("expected qualifiers to cycle")
	}
	if New(config.PromptConfig{}).Variation("desc", 1) != "desc (variation 2)" {
		t.Fatalf("expected numbered variation without qualifiers")
	}
	if New(config.PromptConfig{}).DescribeInstruction() == "" {
		t.Fatalf("expected default instruction")
	}
}
