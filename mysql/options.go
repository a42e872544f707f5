package mysql

import outbox "github.com/velmie/outbox-lease"

const (
	defaultTable       = "outbox"
	defaultMaxAttempts = 5
)

// Config defines MySQL store behavior.
type Config struct {
	// Table is the outbox table. Use schema.table for a non-default schema.
	Table string
	// MaxAttempts is the number of failures after which a message is failed.
	MaxAttempts int
	// Clock stamps lease expiries and settle times.
	Clock     outbox.Clock
	Generator outbox.IDGenerator
	// JSONChecks selects the Enqueue JSON validation. Defaults to CheckAll.
	JSONChecks outbox.JSONChecks
	Logger     outbox.Logger

	jsonChecksSet bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = outbox.SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = outbox.UUIDv7Generator{}
	}
	if !c.jsonChecksSet {
		c.JSONChecks = outbox.CheckAll
	}
	if c.Logger == nil {
		c.Logger = outbox.NopLogger{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) { c.Table = name }
}

// WithMaxAttempts sets the attempt limit before a message is marked failed.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) { c.MaxAttempts = attempts }
}

// WithClock sets the time source for lock expiry and settle timestamps.
// Every relay sharing the table must use clocks that agree.
func WithClock(clock outbox.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

func WithGenerator(gen outbox.IDGenerator) Option {
	return func(c *Config) { c.Generator = gen }
}

// WithJSONChecks selects which entry fields Enqueue validates as JSON.
// Tables created with SchemaBinary usually want outbox.CheckHeaders.
func WithJSONChecks(checks outbox.JSONChecks) Option {
	return func(c *Config) {
		c.JSONChecks = checks
		c.jsonChecksSet = true
	}
}

// WithLogger sets the logger used for schema and maintenance messages.
func WithLogger(logger outbox.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
