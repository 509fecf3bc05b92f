package pricing

import (
	"testing"

	"github.com/zen-systems/pixelgate/pkg/config"
)

func testEngine() *Engine {
	return NewEngine(config.Default().Pricing)
}

func TestPrice(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name string
		req  Request
		want int64
	}{
		{name: "base", req: Request{Mode: ModeGenerate}, want: 30},
		{name: "template override wins", req: Request{Mode: ModeGenerate, Style: "cinematic", TemplateCost: 40}, want: 40},
		{name: "style multiplier exact", req: Request{Mode: ModeGenerate, Style: "cartoon"}, want: 33},
		{name: "style and platform", req: Request{Mode: ModeTransform, Style: "artistic", Platform: "linkedin"}, want: 40},
		{name: "case insensitive keys", req: Request{Mode: ModeGenerate, Style: "CINEMATIC", Platform: "YouTube"}, want: 55},
		{name: "unknown tags default to 1.0", req: Request{Mode: ModeGenerate, Style: "glitchcore", Platform: "myspace"}, want: 30},
		{name: "minimalist rounds up", req: Request{Mode: ModeGenerate, Style: "minimalist"}, want: 27},
		{name: "variation per size", req: Request{Mode: ModeVariation, Size: "512x512", Count: 3}, want: 60},
		{name: "variation unknown size", req: Request{Mode: ModeVariation, Size: "9x9", Count: 2}, want: 60},
		{name: "variation zero count", req: Request{Mode: ModeVariation, Size: "256x256"}, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Price(tt.req); got != tt.want {
				t.Fatalf("Price(%+v) = %d, want %d", tt.req, got, tt.want)
			}
		})
	}
}

func TestPriceIsTotal(t *testing.T) {
	e := testEngine()
	modes := []Mode{ModeGenerate, ModeTransform, ModeVariation, Mode("unknown")}
	tags := []string{"", "realistic", "???", "TikTok", "\x00"}
	sizes := []string{"", "1024x1024", "huge"}

	for _, mode := range modes {
		for _, style := range tags {
			for _, platform := range tags {
				for _, size := range sizes {
					got := e.Price(Request{Mode: mode, Style: style, Platform: platform, Size: size})
					if got < 1 {
						t.Fatalf("price below 1 for %s/%q/%q/%q: %d", mode, style, platform, size, got)
					}
				}
			}
		}
	}
}

func TestPriceClampsToOne(t *testing.T) {
	e := NewEngine(config.PricingConfig{
		BaseCost:         1,
		StyleMultipliers: map[string]float64{"tiny": 0.1},
		DefaultSizeCost:  1,
	})
	if got := e.Price(Request{Mode: ModeGenerate, Style: "tiny"}); got != 1 {
		t.Fatalf("expected minimum price 1, got %d", got)
	}
}

func TestModeValid(t *testing.T) {
	if !ModeVariation.Valid() || Mode("remix").Valid() {
		t.Fatalf("unexpected mode validity")
	}
}
