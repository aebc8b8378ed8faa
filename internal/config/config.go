package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models hypoline.yml.
type Config struct {
	Office struct {
		Name string `yaml:"name" json:"name"`
		// Timezone decides which calendar day "today" is.
		Timezone string `yaml:"timezone" json:"timezone"`
	} `yaml:"office" json:"office"`
	Workflow struct {
		HorizonDays int      `yaml:"horizon_days" json:"horizon_days"`
		Banks       []string `yaml:"banks" json:"banks"`
		Advisors    []string `yaml:"advisors,omitempty" json:"advisors,omitempty"`
	} `yaml:"workflow" json:"workflow"`
	Ledger struct {
		MaxEntries int `yaml:"max_entries" json:"max_entries"`
	} `yaml:"ledger" json:"ledger"`
	Attachments AttachmentsConfig `yaml:"attachments" json:"attachments"`
	Reminders   struct {
		Sweep bool `yaml:"sweep" json:"sweep"`
	} `yaml:"reminders" json:"reminders"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type AttachmentsConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	// Dir is relative to the workspace state directory when not absolute.
	Dir string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	S3  S3Config `yaml:"s3,omitempty" json:"s3,omitempty"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Bucket          string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"-"`
	PublicBaseURL   string `yaml:"public_base_url,omitempty" json:"public_base_url,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.HorizonDays < 1 {
		return fmt.Errorf("config.workflow.horizon_days must be positive")
	}
	if len(c.Workflow.Banks) == 0 {
		return fmt.Errorf("config.workflow.banks is required")
	}
	for _, b := range c.Workflow.Banks {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("config.workflow.banks contains an empty name")
		}
	}
	if c.Ledger.MaxEntries < 1 {
		return fmt.Errorf("config.ledger.max_entries must be positive")
	}
	if c.Office.Timezone != "" {
		if _, err := c.Location(); err != nil {
			return fmt.Errorf("config.office.timezone: %w", err)
		}
	}
	switch c.Attachments.Backend {
	case BackendFS:
	case BackendS3:
		if c.Attachments.S3.Bucket == "" {
			return fmt.Errorf("config.attachments.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.attachments.backend must be %q or %q", BackendFS, BackendS3)
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hypoline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes. ${VAR} references are expanded from
// the environment first so secrets can stay in .env. Missing sections fall back to
// the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Workflow.Banks = nil
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Workflow.Banks) == 0 {
		cfg.Workflow.Banks = Default().Workflow.Banks
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `office:
  name: Hypoteční kancelář
  timezone: Europe/Prague

workflow:
  horizon_days: 7
  banks:
    - Česká spořitelna
    - Komerční banka
    - ČSOB
    - UniCredit Bank
    - Raiffeisenbank
    - Moneta Money Bank
    - mBank
    - Fio banka
    - Air Bank
    - Sberbank
    - Hypoteční banka
    - Equa bank
    - Oberbank
    - Expobank
    - Hello bank!
    - Trinity Bank
    - Wüstenrot hypoteční banka
    - Další (ručně)

ledger:
  max_entries: 50

attachments:
  backend: fs
  dir: blobs

reminders:
  sweep: true
`
