// Package pricing maps generation requests to integer token costs.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zen-systems/pixelgate/pkg/config"
)

// Mode is a generation mode.
type Mode string

const (
	ModeGenerate  Mode = "generate"
	ModeTransform Mode = "transform"
	ModeVariation Mode = "variation"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeGenerate, ModeTransform, ModeVariation:
		return true
	}
	return false
}

// Request holds the pricing inputs of a generation request.
type Request struct {
	Mode         Mode
	Style        string
	Platform     string
	Size         string
	Count        int
	TemplateCost int64
}

// Engine prices requests. It is immutable after construction and safe for
// concurrent use.
type Engine struct {
	base            decimal.Decimal
	styles          map[string]decimal.Decimal
	platforms       map[string]decimal.Decimal
	sizes           map[string]int64
	defaultSizeCost int64
}

// NewEngine builds an Engine from the pricing configuration.
func NewEngine(cfg config.PricingConfig) *Engine {
	e := &Engine{
		base:            decimal.NewFromInt(cfg.BaseCost),
		styles:          lowerKeys(cfg.StyleMultipliers),
		platforms:       lowerKeys(cfg.PlatformMultipliers),
		sizes:           make(map[string]int64, len(cfg.SizeCosts)),
		defaultSizeCost: cfg.DefaultSizeCost,
	}
	for size, cost := range cfg.SizeCosts {
		e.sizes[strings.ToLower(strings.TrimSpace(size))] = cost
	}
	if e.defaultSizeCost <= 0 {
		e.defaultSizeCost = cfg.BaseCost
	}
	return e
}

// Price returns the token cost of req. The result is always at least 1.
func (e *Engine) Price(req Request) int64 {
	if req.TemplateCost > 0 {
		return req.TemplateCost
	}

	var cost int64
	switch req.Mode {
	case ModeVariation:
		count := req.Count
		if count < 1 {
			count = 1
		}
		cost = e.SizeCost(req.Size) * int64(count)
	default:
		cost = e.base.
			Mul(multiplier(e.styles, req.Style)).
			Mul(multiplier(e.platforms, req.Platform)).
			Ceil().
			IntPart()
	}

	if cost < 1 {
		return 1
	}
	return cost
}

// SizeCost returns the flat per-image cost for size.
func (e *Engine) SizeCost(size string) int64 {
	if cost, ok := e.sizes[strings.ToLower(strings.TrimSpace(size))]; ok && cost > 0 {
		return cost
	}
	return e.defaultSizeCost
}

func multiplier(table map[string]decimal.Decimal, key string) decimal.Decimal {
	if m, ok := table[strings.ToLower(strings.TrimSpace(key))]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// lowerKeys converts float multipliers to decimals via their shortest string
// form, so 1.1 is exactly 1.1 rather than its binary approximation.
func lowerKeys(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		d, err := decimal.NewFromString(decimal.NewFromFloat(v).String())
		if err != nil || !d.IsPositive() {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = d
	}
	return out
}
