// Config is put into a different package to prevent cyclic imports in case
// it is needed in several locations

package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	ucfg "github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
	"github.com/pkg/errors"
)

type Config struct {
	TelegrafConfigIn  string   `config:"telegrafConfigIn"`
	TelegrafConfigOut string   `config:"telegrafConfigOut"`
	PollingInterval   int      `config:"pollingInterval"` // seconds; -1 = single run
	Continuous        bool     `config:"continuousDiscovery"`
	Endpoints         []string `config:"endpoints"` // monitored in addition to the input file

	Policy         string        `config:"policy"`
	Mode           string        `config:"securityMode"`
	Username       string        `config:"username"`
	Password       string        `config:"password"`
	ClientCert     string        `config:"clientCert"`
	ClientKey      string        `config:"clientKey"`
	AppName        string        `config:"appName"`
	ConnectTimeout time.Duration `config:"connectTimeout"`

	Browse         Browse  `config:"browse"`
	Backoff        Backoff `config:"backoff"`
	PruneStale     bool    `config:"pruneStale"`
	OpaqueAsString bool    `config:"opaqueAsString"`
}

type Browse struct {
	MaxLevel         int `config:"maxLevel"`
	MaxNodePerParent int `config:"maxNodePerParent"`
}

type Backoff struct {
	Min time.Duration `config:"min"`
	Max time.Duration `config:"max"`
}

var DefaultConfig = Config{
	TelegrafConfigIn:  "./test/telegraf.conf",
	TelegrafConfigOut: "./test/telegraf1.conf",
	PollingInterval:   -1,
	AppName:           "telegraf-autodiscovery",
	ConnectTimeout:    10 * time.Second,
	Browse: Browse{
		MaxLevel:         10,
		MaxNodePerParent: 0,
	},
	Backoff: Backoff{
		Min: 1 * time.Second,
		Max: 5 * time.Minute,
	},
}

// Load builds the effective configuration: defaults, overridden by the
// optional settings file, overridden by environment variables.
func Load(path string) (Config, error) {
	c := DefaultConfig

	if path != "" {
		cfg, err := yaml.NewConfigWithFile(path, ucfg.PathSep("."))
		if err != nil {
			return c, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := cfg.Unpack(&c, ucfg.PathSep(".")); err != nil {
			return c, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	if err := applyEnv(&c); err != nil {
		return c, err
	}
	if c.PollingInterval > 0 {
		c.Continuous = true
	}
	return c, c.Validate()
}

func applyEnv(c *Config) error {
	if v := os.Getenv("TELEGRAF_CONFIG_PATH_IN"); v != "" {
		c.TelegrafConfigIn = v
	}
	if v := os.Getenv("TELEGRAF_CONFIG_PATH_OUT"); v != "" {
		c.TelegrafConfigOut = v
	}
	if v := os.Getenv("POLLING_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "POLLING_INTERVAL must be an integer")
		}
		c.PollingInterval = n
	}
	if v := os.Getenv("CONTINUOUS_DISCOVERY"); v != "" {
		c.Continuous = truthy(v)
	}
	if v := os.Getenv("ENDPOINTS"); v != "" {
		c.Endpoints = c.Endpoints[:0]
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.Endpoints = append(c.Endpoints, ep)
			}
		}
	}
	if v := os.Getenv("PRUNE_STALE"); v != "" {
		c.PruneStale = truthy(v)
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Validate rejects settings the process cannot start with. Any error here is
// fatal at startup.
func (c Config) Validate() error {
	if c.TelegrafConfigIn == "" {
		return errors.New("telegrafConfigIn must be set")
	}
	if c.TelegrafConfigOut == "" {
		return errors.New("telegrafConfigOut must be set")
	}
	if c.TelegrafConfigOut == c.TelegrafConfigIn {
		return errors.New("telegrafConfigOut must differ from telegrafConfigIn")
	}
	if c.PollingInterval == 0 || c.PollingInterval < -1 {
		return errors.Errorf("pollingInterval must be -1 (single run) or a positive number of seconds, got %d", c.PollingInterval)
	}
	if c.Continuous && c.PollingInterval < 0 {
		return errors.New("continuous discovery requires a positive pollingInterval")
	}
	if c.Backoff.Min <= 0 || c.Backoff.Max < c.Backoff.Min {
		return errors.New("backoff.min must be positive and backoff.max must not be smaller")
	}
	for _, ep := range c.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return errors.Wrapf(err, "invalid endpoint URL %q", ep)
		}
		if u.Scheme != "opc.tcp" || u.Host == "" {
			return errors.Errorf("invalid endpoint URL %q: expected opc.tcp://host:port", ep)
		}
	}
	return nil
}

// Interval returns the polling interval as a duration. Meaningless in single
// run mode.
func (c Config) Interval() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}
