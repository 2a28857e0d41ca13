package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config models marketline.yml.
type Config struct {
	DefaultChain string           `yaml:"default_chain"`
	Chains       map[string]Chain `yaml:"chains"`
	Deployed     Deployed         `yaml:"deployed"`
}

// Chain is the immutable description of one deployment. Resolve it once and
// pass it down explicitly.
type Chain struct {
	ID          uint64 `yaml:"id"`
	Name        string `yaml:"-"`
	Host        string `yaml:"host"`
	Hub         string `yaml:"hub"`
	Book        string `yaml:"book"`
	SMS         string `yaml:"sms"`
	ResultProxy string `yaml:"result_proxy"`
	IPFSGateway string `yaml:"ipfs_gateway"`
}

// Deployed maps resource kind -> chain id -> address, as written after a
// resource deployment.
type Deployed struct {
	App        map[string]string `yaml:"app,omitempty"`
	Dataset    map[string]string `yaml:"dataset,omitempty"`
	Workerpool map[string]string `yaml:"workerpool,omitempty"`
}

// Address returns the deployed address of resource ("app", "dataset",
// "workerpool") on chainID.
func (d Deployed) Address(resource string, chainID uint64) (string, bool) {
	var m map[string]string
	switch resource {
	case "app":
		m = d.App
	case "dataset":
		m = d.Dataset
	case "workerpool":
		m = d.Workerpool
	}
	addr, ok := m[strconv.FormatUint(chainID, 10)]
	return addr, ok && addr != ""
}

const defaultHub = "0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f"

// BuiltinChains returns fresh copies of the known deployments.
func BuiltinChains() map[string]Chain {
	return map[string]Chain{
		"bellecour": {
			ID:          134,
			Host:        "https://bellecour.iex.ec",
			Hub:         defaultHub,
			Book:        "https://api.market.v8-bellecour.iex.ec",
			SMS:         "https://bellecour-sms.iex.ec",
			ResultProxy: "https://bellecour-result-proxy.iex.ec",
			IPFSGateway: "https://ipfs.iex.ec",
		},
		"viviani": {
			ID:          133,
			Host:        "https://viviani.iex.ec",
			Hub:         defaultHub,
			Book:        "https://gateway.iex.ec",
			SMS:         "https://viviani-sms.iex.ec",
			ResultProxy: "https://viviani-result-proxy.iex.ec",
			IPFSGateway: "https://ipfs.iex.ec",
		},
		"dev": {
			ID:          65535,
			Host:        "http://localhost:8545",
			Hub:         defaultHub,
			Book:        "http://localhost:3000",
			IPFSGateway: "http://localhost:8080",
		},
	}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "marketline.yml")
}

// Default returns the built-in chains with bellecour as default.
func Default() *Config {
	return &Config{DefaultChain: "bellecour", Chains: BuiltinChains()}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("config.chains is required")
	}
	if c.DefaultChain != "" {
		if _, ok := c.Chains[c.DefaultChain]; !ok {
			return fmt.Errorf("default_chain %s is not defined in chains", c.DefaultChain)
		}
	}
	seen := map[uint64]string{}
	for name, ch := range c.Chains {
		if ch.ID == 0 {
			return fmt.Errorf("chain %s: id is required", name)
		}
		if other, dup := seen[ch.ID]; dup {
			return fmt.Errorf("chains %s and %s share id %d", other, name, ch.ID)
		}
		seen[ch.ID] = name
		if ch.Hub == "" {
			return fmt.Errorf("chain %s: hub is required", name)
		}
		if ch.Book == "" {
			return fmt.Errorf("chain %s: book is required", name)
		}
	}
	return nil
}

// Chain resolves a chain by name or numeric id. An empty ref selects the
// default chain.
func (c *Config) Chain(ref string) (Chain, error) {
	if ref == "" {
		ref = c.DefaultChain
	}
	if ref == "" && len(c.Chains) == 1 {
		for name := range c.Chains {
			ref = name
		}
	}
	if ch, ok := c.Chains[ref]; ok {
		ch.Name = ref
		return ch, nil
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		for name, ch := range c.Chains {
			if ch.ID == id {
				ch.Name = name
				return ch, nil
			}
		}
	}
	return Chain{}, fmt.Errorf("unknown chain %q (known: %v)", ref, c.ChainNames())
}

// ChainNames lists configured chains sorted by name.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromYAML parses and validates config from raw YAML bytes. Chains declared
// with a built-in name inherit the built-in endpoints they leave empty.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	builtin := BuiltinChains()
	if cfg.Chains == nil {
		cfg.Chains = builtin
	}
	for name, ch := range cfg.Chains {
		if base, ok := builtin[name]; ok {
			cfg.Chains[name] = mergeChain(base, ch)
		}
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

// Save writes cfg to the workspace config path.
func Save(workspace string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

func mergeChain(base, over Chain) Chain {
	if over.ID == 0 {
		over.ID = base.ID
	}
	if over.Host == "" {
		over.Host = base.Host
	}
	if over.Hub == "" {
		over.Hub = base.Hub
	}
	if over.Book == "" {
		over.Book = base.Book
	}
	if over.SMS == "" {
		over.SMS = base.SMS
	}
	if over.ResultProxy == "" {
		over.ResultProxy = base.ResultProxy
	}
	if over.IPFSGateway == "" {
		over.IPFSGateway = base.IPFSGateway
	}
	return over
}

const defaultTemplate = `default_chain: bellecour

chains:
  bellecour: {}
  viviani: {}
  dev:
    id: 65535
    host: http://localhost:8545
    book: http://localhost:3000

deployed:
  app: {}
  dataset: {}
  workerpool: {}
`
