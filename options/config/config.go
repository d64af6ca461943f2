package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alecthomas/units"
	"github.com/caarlos0/env/v11"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/pkg/math"
)

// GoPoolFunc runs f asynchronously. Returning an error drops the work.
type GoPoolFunc = func(f func()) error

// Config holds the transmission parameters and resource limits shared by the
// messaging layer and the pipelines.
type Config struct {
	// Duplicate detection.
	DuplicateCacheCapacity   int           `env:"DEDUP_CAPACITY"`
	ExchangeLifetime         time.Duration `env:"EXCHANGE_LIFETIME"`
	DuplicateSweepInterval   time.Duration `env:"DEDUP_SWEEP_INTERVAL"`
	DuplicateWarningInterval time.Duration `env:"DEDUP_WARNING_INTERVAL"`

	// Retransmission of confirmable messages.
	MaxRetransmit   int           `env:"MAX_RETRANSMIT"`
	AckTimeout      time.Duration `env:"ACK_TIMEOUT"`
	AckRandomFactor float64       `env:"ACK_RANDOM_FACTOR"`

	// Block-wise transfers.
	BlockSize                units.Base2Bytes `env:"BLOCK_SIZE"`
	BERT                     bool             `env:"BERT"`
	MaxIncomingEntitySize    units.Base2Bytes `env:"MAX_INCOMING_ENTITY_SIZE"`
	MaxMessageSize           units.Base2Bytes `env:"MAX_MESSAGE_SIZE"`
	BlockTransferIdleTimeout time.Duration    `env:"BLOCK_TRANSFER_IDLE_TIMEOUT"`

	// Congestion control. Zero MaxOutstandingTotal disables the global ceiling.
	MaxOutstandingPerPeer int64 `env:"MAX_OUTSTANDING_PER_PEER"`
	MaxOutstandingTotal   int64 `env:"MAX_OUTSTANDING_TOTAL"`

	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT"`

	LoggerFactory logging.LoggerFactory `env:"-"`
	GoPool        GoPoolFunc            `env:"-"`
}

func Default() Config {
	return Config{
		DuplicateCacheCapacity:   10000,
		ExchangeLifetime:         247 * time.Second,
		DuplicateSweepInterval:   10 * time.Second,
		DuplicateWarningInterval: 10 * time.Second,
		MaxRetransmit:            4,
		AckTimeout:               2 * time.Second,
		AckRandomFactor:          1.5,
		BlockSize:                units.KiB,
		MaxIncomingEntitySize:    10 * units.MiB,
		MaxMessageSize:           1152,
		BlockTransferIdleTimeout: 30 * time.Second,
		MaxOutstandingPerPeer:    1,
		ResponseTimeout:          30 * time.Second,
		LoggerFactory:            logging.NewDefaultLoggerFactory(),
		GoPool: func(f func()) error {
			go f()
			return nil
		},
	}
}

// FromEnv returns Default() overridden by environment variables with the
// given prefix, e.g. COAP_ACK_TIMEOUT=3s or COAP_BLOCK_SIZE=512B.
func FromEnv(prefix string) (Config, error) {
	cfg := Default()
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: prefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(units.Base2Bytes(0)): func(v string) (interface{}, error) {
				return units.ParseBase2Bytes(v)
			},
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("cannot parse config from environment: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c Config) Validate() error {
	if c.DuplicateCacheCapacity <= 0 {
		return fmt.Errorf("%w: duplicate cache capacity(%v) must be positive", ErrInvalidConfig, c.DuplicateCacheCapacity)
	}
	if c.ExchangeLifetime <= 0 || c.DuplicateSweepInterval <= 0 {
		return fmt.Errorf("%w: exchange lifetime and sweep interval must be positive", ErrInvalidConfig)
	}
	if c.MaxRetransmit < 0 {
		return fmt.Errorf("%w: max retransmit(%v) must not be negative", ErrInvalidConfig, c.MaxRetransmit)
	}
	if c.AckTimeout <= 0 || c.AckRandomFactor < 1 {
		return fmt.Errorf("%w: ack timeout(%v) must be positive and random factor(%v) at least 1", ErrInvalidConfig, c.AckTimeout, c.AckRandomFactor)
	}
	if _, err := c.BlockSZX(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MaxIncomingEntitySize <= 0 || c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: sizes must be positive", ErrInvalidConfig)
	}
	if _, err := math.SafeCastTo[uint32](c.MaxMessageSize); err != nil {
		return fmt.Errorf("%w: max message size: %w", ErrInvalidConfig, err)
	}
	if _, err := math.SafeCastTo[int](c.MaxIncomingEntitySize); err != nil {
		return fmt.Errorf("%w: max incoming entity size: %w", ErrInvalidConfig, err)
	}
	if c.MaxOutstandingPerPeer <= 0 || c.MaxOutstandingTotal < 0 {
		return fmt.Errorf("%w: outstanding ceilings(%v, %v) are out of range", ErrInvalidConfig, c.MaxOutstandingPerPeer, c.MaxOutstandingTotal)
	}
	if c.LoggerFactory == nil || c.GoPool == nil {
		return fmt.Errorf("%w: logger factory and go pool must be set", ErrInvalidConfig)
	}
	return nil
}

// BlockSZX maps BlockSize to a block size exponent. The size must be a power
// of two between 16 and 1024.
func (c Config) BlockSZX() (message.SZX, error) {
	szx, err := message.SZXFromSize(int(c.BlockSize))
	if err != nil {
		return 0, err
	}
	if szx.Size() != int(c.BlockSize) {
		return 0, fmt.Errorf("block size %v is not a power of two between 16 and 1024: %w", int64(c.BlockSize), message.ErrInvalidBlockOption)
	}
	return szx, nil
}
