package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStreamURL     = "https://stream.twitter.com/1.1"
	DefaultUserStreamURL = "https://userstream.twitter.com/1.1"
	DefaultSiteStreamURL = "https://sitestream.twitter.com/1.1"
)

// Schedule describes one reconnect delay curve. Factor > 1 makes it
// exponential; otherwise Step is added per attempt.
type Schedule struct {
	Initial time.Duration `yaml:"initial"`
	Step    time.Duration `yaml:"step"`
	Factor  float64       `yaml:"factor"`
	Max     time.Duration `yaml:"max"`
}

type Backoff struct {
	Network   Schedule `yaml:"network"`
	RateLimit Schedule `yaml:"rate_limit"`
	Server    Schedule `yaml:"server"`
}

type Endpoints struct {
	Stream     string `yaml:"stream"`
	UserStream string `yaml:"user_stream"`
	SiteStream string `yaml:"site_stream"`
}

type Credentials struct {
	BearerToken string `yaml:"bearer_token"`
	// Authorization is sent verbatim when set; it wins over BearerToken.
	Authorization string `yaml:"authorization"`
}

type Config struct {
	Endpoints      Endpoints     `yaml:"endpoints"`
	Credentials    Credentials   `yaml:"credentials"`
	Backoff        Backoff       `yaml:"backoff"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	MaxBuffered    int           `yaml:"max_buffered"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Compression    bool          `yaml:"compression"`
	StallWarnings  bool          `yaml:"stall_warnings"`
	ControlTimeout time.Duration `yaml:"control_timeout"`
	// ControlRate caps control requests per second; zero disables the limit.
	ControlRate float64 `yaml:"control_rate"`
	LogLevel    string  `yaml:"log_level"`
}

// DefaultBackoff follows the published reconnect guidance for streaming
// feeds: short linear for network errors, long linear for rate limiting,
// exponential for server errors.
func DefaultBackoff() Backoff {
	return Backoff{
		Network:   Schedule{Initial: 250 * time.Millisecond, Step: 250 * time.Millisecond, Max: 16 * time.Second},
		RateLimit: Schedule{Initial: time.Minute, Step: time.Minute, Max: 15 * time.Minute},
		Server:    Schedule{Initial: 5 * time.Second, Factor: 2, Max: 320 * time.Second},
	}
}

func Default() Config {
	return Config{
		Endpoints: Endpoints{
			Stream:     DefaultStreamURL,
			UserStream: DefaultUserStreamURL,
			SiteStream: DefaultSiteStreamURL,
		},
		Backoff:        DefaultBackoff(),
		StallTimeout:   90 * time.Second,
		MaxBuffered:    1 << 20,
		Compression:    true,
		StallWarnings:  true,
		ControlTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// TWEETSTREAM_CONFIG (if any), then individual TWEETSTREAM_* variables.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("TWEETSTREAM_CONFIG")))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Endpoints.Stream, "TWEETSTREAM_STREAM_URL")
	setString(&cfg.Endpoints.UserStream, "TWEETSTREAM_USERSTREAM_URL")
	setString(&cfg.Endpoints.SiteStream, "TWEETSTREAM_SITESTREAM_URL")
	setString(&cfg.Credentials.BearerToken, "TWEETSTREAM_BEARER_TOKEN")
	setString(&cfg.Credentials.Authorization, "TWEETSTREAM_AUTHORIZATION")
	setString(&cfg.LogLevel, "TWEETSTREAM_LOG_LEVEL")
	if err := setDuration(&cfg.StallTimeout, "TWEETSTREAM_STALL_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ControlTimeout, "TWEETSTREAM_CONTROL_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&cfg.MaxBuffered, "TWEETSTREAM_MAX_BUFFERED"); err != nil {
		return err
	}
	if err := setInt(&cfg.MaxAttempts, "TWEETSTREAM_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setBool(&cfg.Compression, "TWEETSTREAM_COMPRESSION"); err != nil {
		return err
	}
	return setBool(&cfg.StallWarnings, "TWEETSTREAM_STALL_WARNINGS")
}

func (c Config) Validate() error {
	var errs []error
	if c.StallTimeout < 0 {
		errs = append(errs, errors.New("stall_timeout must not be negative"))
	}
	if c.MaxBuffered < 0 {
		errs = append(errs, errors.New("max_buffered must not be negative"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("max_attempts must not be negative"))
	}
	if c.ControlRate < 0 {
		errs = append(errs, errors.New("control_rate must not be negative"))
	}
	for name, s := range map[string]Schedule{
		"network":    c.Backoff.Network,
		"rate_limit": c.Backoff.RateLimit,
		"server":     c.Backoff.Server,
	} {
		if s.Initial <= 0 || s.Max < s.Initial {
			errs = append(errs, fmt.Errorf("backoff.%s: need 0 < initial <= max", name))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
