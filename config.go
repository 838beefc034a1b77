package driftline

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Config holds the configuration for the tracking client.
// All fields except APIKey are optional and have sensible defaults.
//
// Configuration can be built using the fluent builder pattern:
//
//	cfg := driftline.DefaultConfig().
//	    WithAPIKey("dl_live_123").
//	    WithEnvironment("staging").
//	    WithDebug(true)
//
//	client, err := driftline.NewClient(cfg)
type Config struct {
	// APIKey authenticates the project with the ingestion API.
	// Required; passed as a query parameter on every request.
	APIKey string

	// BaseURL is the base URL of the ingestion API.
	// Default: "https://ingest.driftline.io"
	BaseURL string

	// Environment namespaces events and the persisted identity record.
	// Default: "production"
	Environment string

	// Release is an optional application release identifier stamped onto
	// every tracked event.
	Release string

	// AutoCapture enables automatic page-view tracking from the configured
	// PageSource: an initial page view on Init plus a page event whenever
	// the polled URL changes. Default: enabled.
	AutoCapture bool

	// CaptureInterval is the polling interval for auto-capture URL checks.
	// Default: 1s
	CaptureInterval time.Duration

	// TrackingConsent is the consent state used when no prior state was
	// persisted. Default: ConsentPending.
	TrackingConsent ConsentState

	// Debug mirrors every tracked event to the logger regardless of consent
	// state. Default: off.
	Debug bool

	// Persistence selects the backend for the identity record.
	// Default: the file+memory composite.
	Persistence StorageConfig

	// QueueSize bounds the event queue; the oldest entry is evicted when the
	// bound is hit. Default: 512.
	QueueSize int

	// BatchSize is the maximum number of events sent per delivery cycle
	// request. Default: 10.
	BatchSize int

	// FlushInterval is the debounce delay between an enqueue and the start
	// of a delivery cycle. Default: 500ms.
	FlushInterval time.Duration

	// RequestTimeout bounds each fallback HTTP request. The beacon leg is
	// fire-and-forget and uses the same bound for its write. Default: 10s.
	RequestTimeout time.Duration

	// MaxRetries is the number of delivery retries per event before it is
	// dropped and reported. Default: 5.
	MaxRetries int

	// RetryInitialInterval is the backoff delay before the first retry.
	// Each subsequent retry doubles the delay. Default: 500ms.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff delay. Default: 30s.
	RetryMaxInterval time.Duration

	// DisableBeacon skips the fire-and-forget transport leg and always uses
	// the abortable HTTP path. Default: off.
	DisableBeacon bool

	// Logger receives debug mirrors, drop reports and storage fallback
	// notices. If nil, a logrus logger is created with a level derived from
	// Debug.
	Logger logrus.FieldLogger

	// Observer receives delivery lifecycle hooks. If nil, NoopObserver is used.
	Observer Observer

	// PageSource supplies the current URL, referrer and viewport for page
	// events and auto-capture. If nil, page context is omitted and
	// auto-capture is inert.
	PageSource PageSource

	// Connectivity reports online/offline state to the delivery manager.
	// If nil, the client assumes it is always online.
	Connectivity Connectivity

	// Buffer is an optional pre-init command buffer replayed once by Init.
	Buffer *CommandBuffer

	// OnStorageFallback is invoked with a human-readable message each time
	// the persistence layer degrades to a weaker backend. Optional; fallback
	// notices are always logged as well.
	OnStorageFallback func(message string)
}

// DefaultConfig returns a Config with sensible defaults. An API key must
// still be provided before the config passes Validate.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:              "https://ingest.driftline.io",
		Environment:          "production",
		AutoCapture:          true,
		CaptureInterval:      time.Second,
		TrackingConsent:      ConsentPending,
		Persistence:          StorageConfig{Strategy: StrategyFileMemory},
		QueueSize:            512,
		BatchSize:            10,
		FlushInterval:        500 * time.Millisecond,
		RequestTimeout:       10 * time.Second,
		MaxRetries:           5,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     30 * time.Second,
	}
}

// envConfig is the subset of configuration readable from the environment.
type envConfig struct {
	APIKey          string        `env:"DRIFTLINE_API_KEY"`
	BaseURL         string        `env:"DRIFTLINE_BASE_URL"`
	Environment     string        `env:"DRIFTLINE_ENVIRONMENT"`
	Release         string        `env:"DRIFTLINE_RELEASE"`
	Debug           bool          `env:"DRIFTLINE_DEBUG"`
	AutoCapture     bool          `env:"DRIFTLINE_AUTO_CAPTURE" envDefault:"true"`
	Persistence     string        `env:"DRIFTLINE_PERSISTENCE"`
	RedisAddr       string        `env:"DRIFTLINE_REDIS_ADDR"`
	StoragePath     string        `env:"DRIFTLINE_STORAGE_PATH"`
	TrackingConsent string        `env:"DRIFTLINE_TRACKING_CONSENT"`
	RequestTimeout  time.Duration `env:"DRIFTLINE_REQUEST_TIMEOUT"`
}

// ConfigFromEnv builds a Config from DRIFTLINE_* environment variables,
// starting from DefaultConfig for everything the environment does not set.
func ConfigFromEnv() (*Config, error) {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.APIKey = ec.APIKey
	cfg.Release = ec.Release
	cfg.Debug = ec.Debug
	cfg.AutoCapture = ec.AutoCapture
	if ec.BaseURL != "" {
		cfg.BaseURL = ec.BaseURL
	}
	if ec.Environment != "" {
		cfg.Environment = ec.Environment
	}
	if ec.Persistence != "" {
		cfg.Persistence.Strategy = Strategy(ec.Persistence)
	}
	if ec.RedisAddr != "" {
		cfg.Persistence.RedisAddr = ec.RedisAddr
	}
	if ec.StoragePath != "" {
		cfg.Persistence.Path = ec.StoragePath
	}
	if ec.TrackingConsent != "" {
		cfg.TrackingConsent = ConsentState(ec.TrackingConsent)
	}
	if ec.RequestTimeout > 0 {
		cfg.RequestTimeout = ec.RequestTimeout
	}
	return cfg, nil
}

// WithAPIKey sets the project API key.
func (c *Config) WithAPIKey(key string) *Config {
	c.APIKey = key
	return c
}

// WithBaseURL sets the ingestion API base URL.
func (c *Config) WithBaseURL(url string) *Config {
	c.BaseURL = url
	return c
}

// WithEnvironment sets the event environment.
func (c *Config) WithEnvironment(environment string) *Config {
	c.Environment = environment
	return c
}

// WithRelease sets the application release identifier.
func (c *Config) WithRelease(release string) *Config {
	c.Release = release
	return c
}

// WithDebug toggles debug mirroring of tracked events to the logger.
func (c *Config) WithDebug(debug bool) *Config {
	c.Debug = debug
	return c
}

// WithAutoCapture toggles automatic page-view tracking.
func (c *Config) WithAutoCapture(enabled bool) *Config {
	c.AutoCapture = enabled
	return c
}

// WithConsent sets the default tracking consent state.
func (c *Config) WithConsent(state ConsentState) *Config {
	c.TrackingConsent = state
	return c
}

// WithPersistence selects the persistence backend for the identity record.
func (c *Config) WithPersistence(sc StorageConfig) *Config {
	c.Persistence = sc
	return c
}

// WithLogger sets the logger used for debug mirrors and reports.
func (c *Config) WithLogger(logger logrus.FieldLogger) *Config {
	c.Logger = logger
	return c
}

// WithObserver sets the delivery lifecycle observer.
func (c *Config) WithObserver(observer Observer) *Config {
	c.Observer = observer
	return c
}

// WithPageSource sets the source of page context for page events and
// auto-capture.
func (c *Config) WithPageSource(source PageSource) *Config {
	c.PageSource = source
	return c
}

// WithConnectivity sets the connectivity monitor used by the delivery manager.
func (c *Config) WithConnectivity(conn Connectivity) *Config {
	c.Connectivity = conn
	return c
}

// WithBuffer attaches a pre-init command buffer that Init replays once.
func (c *Config) WithBuffer(buf *CommandBuffer) *Config {
	c.Buffer = buf
	return c
}

// Validate checks the configuration and fills defaults for zero values.
// It is called by NewClient.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://ingest.driftline.io"
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.CaptureInterval <= 0 {
		c.CaptureInterval = time.Second
	}
	if c.TrackingConsent == "" {
		c.TrackingConsent = ConsentPending
	}
	if !c.TrackingConsent.valid() {
		c.TrackingConsent = ConsentPending
	}
	if c.Persistence.Strategy == "" {
		c.Persistence.Strategy = StrategyFileMemory
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = 30 * time.Second
	}
	if c.Observer == nil {
		c.Observer = &NoopObserver{}
	}
	if c.Connectivity == nil {
		c.Connectivity = AlwaysOnline{}
	}
	return nil
}

// ConfigPatch is a partial configuration applied live via Configure.
// Nil fields are left unchanged.
type ConfigPatch struct {
	// TrackingConsent transitions the consent state machine.
	TrackingConsent *ConsentState
	// AutoCapture installs or removes the page watcher.
	AutoCapture *bool
	// Persistence switches the backend and migrates the identity record.
	Persistence *StorageConfig
	// Debug toggles debug mirroring.
	Debug *bool
	// Release replaces the release identifier on subsequent events.
	Release *string
}
