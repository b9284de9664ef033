package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models crescita.yml: the economy rules of the exchange.
type Config struct {
	Economy struct {
		StartingGrant  int64            `yaml:"starting_grant"`
		ProofThreshold int64            `yaml:"proof_threshold"`
		ActionCosts    map[string]int64 `yaml:"action_costs"`
		Earnings       struct {
			Primary   float64 `yaml:"primary"`
			Secondary float64 `yaml:"secondary"`
		} `yaml:"earnings"`
	} `yaml:"economy"`
	Purchases struct {
		Packages []Package `yaml:"packages"`
		// OverflowRate is the flat EUR-per-coin price above the largest package.
		OverflowRate float64 `yaml:"overflow_rate"`
	} `yaml:"purchases"`
	Rankings struct {
		Periods  []string `yaml:"periods"`
		TopCount int      `yaml:"top_count"`
	} `yaml:"rankings"`
}

// Package is one bracket of the tiered coin purchase table.
type Package struct {
	Coins    int64   `yaml:"coins"`
	PriceEUR float64 `yaml:"price_eur"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Economy.StartingGrant < 0 {
		return fmt.Errorf("config.economy.starting_grant must not be negative")
	}
	if len(c.Economy.ActionCosts) == 0 {
		return fmt.Errorf("config.economy.action_costs is required")
	}
	for kind, cost := range c.Economy.ActionCosts {
		if kind == "" {
			return fmt.Errorf("config.economy.action_costs contains empty kind")
		}
		if cost <= 0 {
			return fmt.Errorf("action cost for %s must be positive", kind)
		}
	}
	if c.Economy.Earnings.Primary <= 0 || c.Economy.Earnings.Primary >= 1 {
		return fmt.Errorf("config.economy.earnings.primary must be in (0,1)")
	}
	if c.Economy.Earnings.Secondary <= 0 || c.Economy.Earnings.Secondary >= 1 {
		return fmt.Errorf("config.economy.earnings.secondary must be in (0,1)")
	}
	if len(c.Purchases.Packages) == 0 {
		return fmt.Errorf("config.purchases.packages is required")
	}
	for i, p := range c.Purchases.Packages {
		if p.Coins <= 0 || p.PriceEUR <= 0 {
			return fmt.Errorf("purchase package %d must have positive coins and price", i)
		}
	}
	if c.Purchases.OverflowRate <= 0 {
		return fmt.Errorf("config.purchases.overflow_rate must be positive")
	}
	if c.Rankings.TopCount <= 0 {
		return fmt.Errorf("config.rankings.top_count must be positive")
	}
	return nil
}

// ActionCost returns the per-unit coin cost of an action kind.
func (c *Config) ActionCost(kind string) (int64, bool) {
	cost, ok := c.Economy.ActionCosts[kind]
	return cost, ok
}

// Rate returns the earnings fraction for the given profile slot name.
func (c *Config) Rate(slot string) float64 {
	if slot == "primary" {
		return c.Economy.Earnings.Primary
	}
	return c.Economy.Earnings.Secondary
}

// PurchasePrice computes the EUR price for the requested coin amount from
// the tiered package table, falling back to the flat per-coin rate above
// the largest bracket.
func (c *Config) PurchasePrice(coins int64) float64 {
	pkgs := make([]Package, len(c.Purchases.Packages))
	copy(pkgs, c.Purchases.Packages)
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Coins < pkgs[j].Coins })
	for _, p := range pkgs {
		if coins <= p.Coins {
			return p.PriceEUR
		}
	}
	return float64(coins) * c.Purchases.OverflowRate
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crescita.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in economy.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for writing to disk.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `economy:
  starting_grant: 10
  proof_threshold: 5

  action_costs:
    like: 1
    follow: 5
    comment: 6
    story_share: 10
    reel_view: 5
    save: 5
    chat_send: 1

  earnings:
    primary: 0.25
    secondary: 0.125

purchases:
  packages:
    - coins: 100
      price_eur: 5.0
    - coins: 250
      price_eur: 10.0
    - coins: 500
      price_eur: 18.0
    - coins: 1000
      price_eur: 30.0
  overflow_rate: 0.03

rankings:
  periods: [weekly, monthly]
  top_count: 5
`
