package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PricingFlat    = "flat"
	PricingPerUnit = "per_unit"
)

var ErrUnknownCapability = errors.New("unknown_capability")

// Capability describes a generation capability that owners can submit jobs for.
type Capability struct {
	Name          string `mapstructure:"name"`
	Model         string `mapstructure:"model"`
	Pricing       string `mapstructure:"pricing"`
	UnitCostCents int64  `mapstructure:"unitCostCents"`
	MaxUnits      int    `mapstructure:"maxUnits"`
}

type CatalogConfig struct {
	Capabilities []Capability `mapstructure:"capabilities"`
}

func DefaultCatalog() CatalogConfig {
	return CatalogConfig{
		Capabilities: []Capability{
			{Name: "text-to-image", Model: "sdxl", Pricing: PricingPerUnit, UnitCostCents: 10, MaxUnits: 4},
			{Name: "image-upscale", Model: "real-esrgan", Pricing: PricingFlat, UnitCostCents: 5, MaxUnits: 1},
			{Name: "text-to-video", Model: "zeroscope", Pricing: PricingFlat, UnitCostCents: 150, MaxUnits: 1},
		},
	}
}

// CatalogHolder keeps the current capability catalog and swaps it on file change.
type CatalogHolder struct {
	current atomic.Value // holds CatalogConfig
}

func NewCatalogHolder(cfg Config, log *zap.Logger) (*CatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.catalog")

	v := viper.New()
	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("capabilities")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/genledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fromFile = false
	}

	catalog := DefaultCatalog()
	if fromFile {
		catalog = CatalogConfig{}
		if err := v.UnmarshalKey("catalog", &catalog); err != nil {
			return nil, err
		}
	}
	catalog, err := normalizeCatalog(catalog)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCatalog(catalog)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CatalogConfig
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Warn("catalog reload failed", zap.Error(err))
			return
		}
		normalized, err := normalizeCatalog(updated)
		if err != nil {
			log.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalized)
		log.Info("catalog reloaded", zap.String("file", e.Name), zap.Int("capabilities", len(normalized.Capabilities)))
	})

	return holder, nil
}

// NewStaticCatalog builds a holder that never reloads. Names must already be normalized.
func NewStaticCatalog(catalog CatalogConfig) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func (h *CatalogHolder) Get() CatalogConfig {
	return h.current.Load().(CatalogConfig)
}

// Lookup resolves a capability by name; lookups are slug-insensitive.
func (h *CatalogHolder) Lookup(name string) (Capability, error) {
	key := slug.Make(name)
	if key == "" {
		return Capability{}, ErrUnknownCapability
	}
	for _, c := range h.Get().Capabilities {
		if c.Name == key {
			return c, nil
		}
	}
	return Capability{}, ErrUnknownCapability
}

func normalizeCatalog(cfg CatalogConfig) (CatalogConfig, error) {
	if len(cfg.Capabilities) == 0 {
		return CatalogConfig{}, errors.New("catalog.capabilities cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Capabilities))
	out := make([]Capability, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		c.Name = slug.Make(c.Name)
		if c.Name == "" {
			return CatalogConfig{}, errors.New("capability name is required")
		}
		if _, dup := seen[c.Name]; dup {
			return CatalogConfig{}, fmt.Errorf("duplicate capability %q", c.Name)
		}
		seen[c.Name] = struct{}{}

		c.Pricing = strings.ToLower(strings.TrimSpace(c.Pricing))
		switch c.Pricing {
		case "":
			c.Pricing = PricingFlat
		case PricingFlat, PricingPerUnit:
		default:
			return CatalogConfig{}, fmt.Errorf("capability %q: invalid pricing %q", c.Name, c.Pricing)
		}
		if c.UnitCostCents < 0 {
			return CatalogConfig{}, fmt.Errorf("capability %q: unit cost must be >= 0", c.Name)
		}
		if c.MaxUnits <= 0 {
			c.MaxUnits = 1
		}
		out = append(out, c)
	}
	return CatalogConfig{Capabilities: out}, nil
}
