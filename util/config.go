package util

import (
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const Name = "federate"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf ServerConf `yaml:"conf"`
}

type ServerConf struct {
	Host      string `yaml:"host" env:"FEDERATE_HOST"`
	HttpPort  int    `yaml:"httpPort" env:"FEDERATE_HTTPPORT"`
	SslDomain string `yaml:"sslDomain" env:"FEDERATE_SSLDOMAIN"`
	Protocol  string `yaml:"protocol" env:"FEDERATE_PROTOCOL"`
	WithAp    bool   `yaml:"withAp" env:"FEDERATE_WITH_AP"`
	DbPath    string `yaml:"dbPath" env:"FEDERATE_DB_PATH"`
	KeyFile   string `yaml:"keyFile" env:"FEDERATE_KEY_FILE"`
	AdminAddr string `yaml:"adminAddr" env:"FEDERATE_ADMIN_ADDR"`

	Federation FederationConf `yaml:"federation"`
}

// FederationConf holds the knobs of the delivery queue and the resolver
type FederationConf struct {
	AllowedInstances []string      `yaml:"allowedInstances" env:"FEDERATE_ALLOWED_INSTANCES" envSeparator:","`
	BlockedInstances []string      `yaml:"blockedInstances" env:"FEDERATE_BLOCKED_INSTANCES" envSeparator:","`
	RetryBase        time.Duration `yaml:"retryBase" env:"FEDERATE_RETRY_BASE"`
	RetryMax         time.Duration `yaml:"retryMax" env:"FEDERATE_RETRY_MAX"`
	DeliveryTimeout  time.Duration `yaml:"deliveryTimeout" env:"FEDERATE_DELIVERY_TIMEOUT"`
	PollInterval     time.Duration `yaml:"pollInterval" env:"FEDERATE_POLL_INTERVAL"`
	BatchSize        int           `yaml:"batchSize" env:"FEDERATE_BATCH_SIZE"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout" env:"FEDERATE_FETCH_TIMEOUT"`
	ObjectTTL        time.Duration `yaml:"objectTtl" env:"FEDERATE_OBJECT_TTL"`
	FetchFailureTTL  time.Duration `yaml:"fetchFailureTtl" env:"FEDERATE_FETCH_FAILURE_TTL"`
	MaxFetchBytes    int64         `yaml:"maxFetchBytes" env:"FEDERATE_MAX_FETCH_BYTES"`
}

func ReadConf() (*AppConfig, error) {
	path, dir := configPath()

	buf, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", path)
		buf = embeddedConfig

		if dir != "" {
			userConfigPath := filepath.Join(dir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0600); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	return ParseConf(buf)
}

// ParseConf layers yaml over the embedded defaults, then environment
// variables over both.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := env.Parse(&c.Conf); err != nil {
		return nil, fmt.Errorf("in environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects combinations the federation engine cannot run with
func (c *AppConfig) Validate() error {
	f := c.Conf.Federation
	var errs []error
	if c.Conf.SslDomain == "" {
		errs = append(errs, errors.New("sslDomain must be set"))
	}
	if c.Conf.Protocol != "http" && c.Conf.Protocol != "https" {
		errs = append(errs, fmt.Errorf("protocol must be http or https, got %q", c.Conf.Protocol))
	}
	if len(f.AllowedInstances) > 0 && len(f.BlockedInstances) > 0 {
		errs = append(errs, errors.New("only one of allowedInstances and blockedInstances may be set"))
	}
	if f.RetryBase <= 0 || f.RetryMax < f.RetryBase {
		errs = append(errs, fmt.Errorf("retryBase must be positive and not above retryMax (%s, %s)", f.RetryBase, f.RetryMax))
	}
	if f.DeliveryTimeout <= 0 || f.FetchTimeout <= 0 {
		errs = append(errs, errors.New("deliveryTimeout and fetchTimeout must be positive"))
	}
	if f.BatchSize <= 0 {
		errs = append(errs, errors.New("batchSize must be positive"))
	}
	return errors.Join(errs...)
}

// LocalAuthority is the protocol and host under which local ids are minted
func (c *AppConfig) LocalAuthority() string {
	return fmt.Sprintf("%s://%s", c.Conf.Protocol, c.Conf.SslDomain)
}
