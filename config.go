package coap

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/outofforest/coap/reliability"
	"github.com/outofforest/coap/wire"
)

// Config is the configuration of the engine.
type Config struct {
	ACKTimeout          time.Duration `mapstructure:"ack_timeout"`
	ACKRandomFactor     float64       `mapstructure:"ack_random_factor"`
	MaxRetransmit       int           `mapstructure:"max_retransmit"`
	ExchangeLifetime    time.Duration `mapstructure:"exchange_lifetime"`
	EmptyACKDelay       time.Duration `mapstructure:"empty_ack_delay"`
	MaxTokenLength      int           `mapstructure:"max_token_length"`
	MaxInboundExchanges int           `mapstructure:"max_inbound_exchanges"`
	Workers             int           `mapstructure:"workers"`
	InboundQueueSize    int           `mapstructure:"inbound_queue_size"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`

	// Clock drives all the timers. Real clock is used if nil.
	Clock clock.Clock `mapstructure:"-"`

	// Registerer receives engine metrics. Metrics are not registered if nil.
	Registerer prometheus.Registerer `mapstructure:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	const (
		ackTimeout      = 2 * time.Second
		ackRandomFactor = 1.5
		maxRetransmit   = 4
	)

	return Config{
		ACKTimeout:          ackTimeout,
		ACKRandomFactor:     ackRandomFactor,
		MaxRetransmit:       maxRetransmit,
		ExchangeLifetime:    reliability.ExchangeLifetime(ackTimeout, ackRandomFactor, maxRetransmit),
		EmptyACKDelay:       1900 * time.Millisecond,
		MaxTokenLength:      wire.MaxTokenLength,
		MaxInboundExchanges: 10000,
		Workers:             4,
		InboundQueueSize:    1024,
		SweepInterval:       10 * time.Second,
	}
}

// Validate verifies configuration.
func (c Config) Validate() error {
	switch {
	case c.ACKTimeout <= 0:
		return errors.Errorf("ack timeout must be positive, got %s", c.ACKTimeout)
	case c.ACKRandomFactor < 1.0:
		return errors.Errorf("ack random factor must be at least 1.0, got %f", c.ACKRandomFactor)
	case c.MaxRetransmit < 0:
		return errors.Errorf("max retransmit must not be negative, got %d", c.MaxRetransmit)
	case c.ExchangeLifetime <= 0:
		return errors.Errorf("exchange lifetime must be positive, got %s", c.ExchangeLifetime)
	case c.EmptyACKDelay < 0:
		return errors.Errorf("empty ack delay must not be negative, got %s", c.EmptyACKDelay)
	case c.MaxTokenLength < 0 || c.MaxTokenLength > wire.MaxTokenLength:
		return errors.Errorf("max token length must be in range [0, %d], got %d", wire.MaxTokenLength,
			c.MaxTokenLength)
	case c.MaxInboundExchanges <= 0:
		return errors.Errorf("max inbound exchanges must be positive, got %d", c.MaxInboundExchanges)
	case c.Workers <= 0:
		return errors.Errorf("number of workers must be positive, got %d", c.Workers)
	case c.InboundQueueSize < 0:
		return errors.Errorf("inbound queue size must not be negative, got %d", c.InboundQueueSize)
	case c.SweepInterval <= 0:
		return errors.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}

// LoadConfig returns default configuration overridden by the TOML file, if path is not empty,
// and by COAP_* environment variables.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetDefault("ack_timeout", config.ACKTimeout)
	v.SetDefault("ack_random_factor", config.ACKRandomFactor)
	v.SetDefault("max_retransmit", config.MaxRetransmit)
	v.SetDefault("exchange_lifetime", config.ExchangeLifetime)
	v.SetDefault("empty_ack_delay", config.EmptyACKDelay)
	v.SetDefault("max_token_length", config.MaxTokenLength)
	v.SetDefault("max_inbound_exchanges", config.MaxInboundExchanges)
	v.SetDefault("workers", config.Workers)
	v.SetDefault("inbound_queue_size", config.InboundQueueSize)
	v.SetDefault("sweep_interval", config.SweepInterval)

	v.SetEnvPrefix("COAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %q failed", path)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return Config{}, errors.WithStack(err)
	}
	return config, config.Validate()
}

func (c Config) reliability() reliability.Config {
	return reliability.Config{
		ACKTimeout:       c.ACKTimeout,
		ACKRandomFactor:  c.ACKRandomFactor,
		MaxRetransmit:    c.MaxRetransmit,
		ExchangeLifetime: c.ExchangeLifetime,
		EmptyACKDelay:    c.EmptyACKDelay,
		MaxExchanges:     c.MaxInboundExchanges,
	}
}
