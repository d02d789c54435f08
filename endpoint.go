package contour

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so declarative trees can spell durations as
// Go duration strings ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// stdDuration converts an optional declared duration to its runtime form.
func stdDuration(d *Duration) *time.Duration {
	if d == nil {
		return nil
	}
	std := d.Std()
	return &std
}

// Config is the declarative configuration tree the configurator consumes: a
// named section enumerating endpoints.
type Config struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// Endpoint returns the declared endpoint with the given name, if any.
func (c *Config) Endpoint(name string) *EndpointConfig {
	for i := range c.Endpoints {
		if c.Endpoints[i].Name == name {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// EndpointConfig is the declared, immutable description of one endpoint.
type EndpointConfig struct {
	Name                     string           `yaml:"name"`
	ConnectionString         string           `yaml:"connectionString"`
	ExcludedHeaders          []string         `yaml:"excludedHeaders"`
	ReuseConnection          *bool            `yaml:"reuseConnection"`
	LifecycleHandler         string           `yaml:"lifecycleHandler"`
	ParallelismLevel         *uint            `yaml:"parallelismLevel"`
	FaultQueueTTL            *Duration        `yaml:"faultQueueTtl"`
	FaultQueueLimit          *uint            `yaml:"faultQueueLimit"`
	QueueLimit               *uint            `yaml:"queueLimit"`
	QueueMaxLengthBytes      *uint            `yaml:"queueMaxLengthBytes"`
	Dynamic                  DynamicConfig    `yaml:"dynamic"`
	QoS                      *QoSConfig       `yaml:"qos"`
	Validators               []ValidatorRef   `yaml:"validators"`
	Outgoing                 []OutgoingConfig `yaml:"outgoing"`
	Incoming                 []IncomingConfig `yaml:"incoming"`
	ConnectionStringProvider string           `yaml:"connectionStringProvider"`
}

// DynamicConfig toggles dynamic routing on an endpoint.
type DynamicConfig struct {
	// Outgoing enables a catch-all route for the Any label whose destination
	// is resolved at publish time.
	Outgoing *bool `yaml:"outgoing"`
}

// QoSConfig is the broker-side flow control declared on an endpoint or an
// incoming route. Absent fields inherit.
type QoSConfig struct {
	PrefetchCount *uint16 `yaml:"prefetchCount"`
	PrefetchSize  *uint32 `yaml:"prefetchSize"`
}

// ValidatorRef names a validator (or a validator group) to be resolved from
// the registry and attached to the endpoint.
type ValidatorRef struct {
	Name    string `yaml:"name"`
	IsGroup bool   `yaml:"isGroup"`
}

// OutgoingConfig declares one outgoing route of an endpoint.
type OutgoingConfig struct {
	Key              string                 `yaml:"key"`
	Label            string                 `yaml:"label"`
	Confirm          bool                   `yaml:"confirm"`
	Persist          bool                   `yaml:"persist"`
	TTL              *Duration              `yaml:"ttl"`
	CallbackEndpoint CallbackEndpointConfig `yaml:"callbackEndpoint"`
	Timeout          *Duration              `yaml:"timeout"`
	ConnectionString string                 `yaml:"connectionString"`
	ReuseConnection  *bool                  `yaml:"reuseConnection"`
}

// CallbackEndpointConfig marks an outgoing route as using the default
// callback endpoint for request/reply.
type CallbackEndpointConfig struct {
	Default bool `yaml:"default"`
}

// IncomingConfig declares one incoming route (subscription) of an endpoint.
type IncomingConfig struct {
	Key                 string     `yaml:"key"`
	Label               string     `yaml:"label"`
	React               string     `yaml:"react"`
	Validate            string     `yaml:"validate"`
	Type                string     `yaml:"type"`
	Lifestyle           Lifestyle  `yaml:"lifestyle"`
	QoS                 *QoSConfig `yaml:"qos"`
	ParallelismLevel    *uint      `yaml:"parallelismLevel"`
	QueueLimit          *uint      `yaml:"queueLimit"`
	QueueMaxLengthBytes *uint      `yaml:"queueMaxLengthBytes"`
	RequiresAccept      bool       `yaml:"requiresAccept"`
	ConnectionString    string     `yaml:"connectionString"`
	ReuseConnection     *bool      `yaml:"reuseConnection"`
}

// ParseConfig unmarshals a declarative configuration tree from YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration")
	}
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].Name == "" {
			return nil, errors.Errorf("endpoint at index %d has no name", i)
		}
	}
	return cfg, nil
}

// LoadConfig reads and parses a declarative configuration tree from a file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read configuration file %q", path)
	}
	return ParseConfig(data)
}

// parseURLs splits a comma-separated connection string into broker URLs.
func parseURLs(connectionString string) []string {
	var urls []string
	for _, part := range strings.Split(connectionString, ",") {
		if url := strings.TrimSpace(part); url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}
