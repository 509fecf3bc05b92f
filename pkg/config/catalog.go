package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// Provider operations a model can be routed to.
const (
	OpImage  = "image"
	OpEdit   = "edit"
	OpVision = "vision"
)

// ProviderModels lists the models a provider offers per operation.
type ProviderModels struct {
	Image  []string `yaml:"image"`
	Edit   []string `yaml:"edit"`
	Vision []string `yaml:"vision"`
}

func (p ProviderModels) forOp(op string) []string {
	switch op {
	case OpImage:
		return p.Image
	case OpEdit:
		return p.Edit
	case OpVision:
		return p.Vision
	}
	return nil
}

// All returns every model of the provider, sorted and without duplicates.
func (p ProviderModels) All() []string {
	var all []string
	for _, list := range [][]string{p.Image, p.Edit, p.Vision} {
		for _, m := range list {
			if !slices.Contains(all, m) {
				all = append(all, m)
			}
		}
	}
	sort.Strings(all)
	return all
}

// ModelCatalog maps short model names to canonical ones and records which
// operations each provider model supports. It is read from models.yaml.
type ModelCatalog struct {
	Aliases   map[string]string         `yaml:"aliases"`
	Providers map[string]ProviderModels `yaml:"providers"`
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c ModelCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if c.Aliases == nil {
		c.Aliases = make(map[string]string)
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderModels)
	}
	return &c, nil
}

// LoadCatalogFrom loads models.yaml from configDir, or the built-in catalog
// when there is none.
func LoadCatalogFrom(configDir string) (*ModelCatalog, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "models.yaml")
		if _, err := os.Stat(path); err == nil {
			return LoadCatalog(path)
		}
	}
	return DefaultCatalog(), nil
}

// Resolve returns the canonical name of an alias, or name itself.
func (c *ModelCatalog) Resolve(name string) string {
	if c == nil {
		return name
	}
	if canonical, ok := c.Aliases[name]; ok {
		return canonical
	}
	return name
}

// Supports reports whether the provider's model can serve op.
func (c *ModelCatalog) Supports(provider, op, model string) error {
	if c == nil {
		return nil
	}
	models, ok := c.Providers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	if !slices.Contains(models.forOp(op), model) {
		return fmt.Errorf("%s model %q cannot serve %s requests", provider, model, op)
	}
	return nil
}

// ProviderNames returns the catalog's providers in sorted order.
func (c *ModelCatalog) ProviderNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderOf returns the first provider, by name, that offers model.
func (c *ModelCatalog) ProviderOf(model string) string {
	for _, name := range c.ProviderNames() {
		if slices.Contains(c.Providers[name].All(), model) {
			return name
		}
	}
	return ""
}

// ResolveProviders rewrites aliased models of the image, edit and vision
// routes in place. It returns one error per route whose provider cannot serve
// that operation with the configured model. The mock adapter is not checked.
func (c *ModelCatalog) ResolveProviders(p *ProvidersConfig) []error {
	if c == nil || p == nil {
		return nil
	}
	routes := []struct {
		op     string
		target *RouteTarget
	}{
		{OpImage, &p.Image},
		{OpEdit, &p.Edit},
		{OpVision, &p.Vision},
	}
	var errs []error
	for _, r := range routes {
		r.target.Model = c.Resolve(r.target.Model)
		if r.target.Adapter == "mock" {
			continue
		}
		if err := c.Supports(r.target.Adapter, r.op, r.target.Model); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s: %w", r.op, err))
		}
	}
	return errs
}

// DefaultCatalog is used when no models.yaml exists.
func DefaultCatalog() *ModelCatalog {
	return &ModelCatalog{
		Aliases: map[string]string{
			"dalle":        "dall-e-3",
			"dalle2":       "dall-e-2",
			"gpt-image":    "gpt-image-1",
			"vision":       "gpt-4o",
			"vision-fast":  "gpt-4o-mini",
			"gemini-image": "gemini-2.5-flash-image",
			"gemini":       "gemini-2.5-flash",
			"claude":       "claude-sonnet-4-20250514",
		},
		Providers: map[string]ProviderModels{
			"openai": {
				Image:  []string{"dall-e-2", "dall-e-3", "gpt-image-1"},
				Edit:   []string{"dall-e-2", "gpt-image-1"},
				Vision: []string{"gpt-4o", "gpt-4o-mini"},
			},
			"google": {
				Image:  []string{"gemini-2.5-flash-image"},
				Edit:   []string{"gemini-2.5-flash-image"},
				Vision: []string{"gemini-2.5-flash", "gemini-2.5-flash-image"},
			},
			"anthropic": {
				Vision: []string{"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			},
		},
	}
}
