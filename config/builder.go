package config

import "time"

// Builder provides a fluent API for assembling a Config, mirroring the
// teacher's ConfigBuilder shape for the delivery engine's own tunables.
type Builder struct {
	config *Config
}

// NewBuilder starts from Default().
func NewBuilder() *Builder {
	return &Builder{config: Default()}
}

// FromConfig starts a builder from an existing configuration, deep-copying
// it so mutations never alias the source.
func FromConfig(cfg *Config) *Builder {
	b := NewBuilder()
	*b.config = *cfg
	return b
}

// WithCreditWindow sets the default and minimum credit-grant sizes for C1.
func (b *Builder) WithCreditWindow(defaultWindow, minGrant int64) *Builder {
	b.config.Credit.DefaultWindow = defaultWindow
	b.config.Credit.MinGrant = minGrant
	return b
}

// WithUnlimitedCredit disables credit-based flow control entirely.
func (b *Builder) WithUnlimitedCredit(enabled bool) *Builder {
	b.config.Credit.Unlimited = enabled
	return b
}

// WithFlushDeadline sets Timeouts.FlushDeadline. The consumer controller does
// not read it; Stop waits on the controller's own flushTimeout constant.
func (b *Builder) WithFlushDeadline(d time.Duration) *Builder {
	b.config.Timeouts.FlushDeadline = d
	return b
}

// WithTransferGrace sets Timeouts.TransferGrace. No component reads it;
// SetTransferring waits on the controller's own transferTimeout constant and
// cancels no references.
func (b *Builder) WithTransferGrace(d time.Duration) *Builder {
	b.config.Timeouts.TransferGrace = d
	return b
}

// WithForcedDeliveryScanInterval sets Timeouts.ForcedDeliveryScan. No
// component reads it; ScanDeliveringReferences runs only when called.
func (b *Builder) WithForcedDeliveryScanInterval(d time.Duration) *Builder {
	b.config.Timeouts.ForcedDeliveryScan = d
	return b
}

// WithLargeMessageThreshold sets Streaming.MinLargeMessageSize and
// Streaming.ChunkSize. No component reads them: C3's streamer handles
// messages flagged Large, in chunks of the controller's minChunkSize.
func (b *Builder) WithLargeMessageThreshold(minSize, chunkSize int64) *Builder {
	b.config.Streaming.MinLargeMessageSize = minSize
	b.config.Streaming.ChunkSize = chunkSize
	return b
}

// WithLegacyAddressing enables the C4.5 legacy-prefix address rewrite.
func (b *Builder) WithLegacyAddressing(enabled bool, prefix string) *Builder {
	b.config.Addressing.LegacyPrefixEnabled = enabled
	b.config.Addressing.LegacyPrefix = prefix
	return b
}

// WithMemoryStorage configures the in-memory reference queue (no
// dead-letter persistence, no delivery-count durability).
func (b *Builder) WithMemoryStorage() *Builder {
	b.config.Storage.Backend = "memory"
	b.config.Storage.Path = ""
	return b
}

// WithBadgerStorage configures the badger-backed delivery-count store and
// dead-letter sink at path.
func (b *Builder) WithBadgerStorage(path string, syncWrites bool) *Builder {
	b.config.Storage.Backend = "badger"
	b.config.Storage.Path = path
	b.config.Storage.SyncWrites = syncWrites
	return b
}

// WithManagementNotifier enables the NATS-backed CONSUMER_CLOSED notifier.
func (b *Builder) WithManagementNotifier(natsURL string) *Builder {
	b.config.Management.Enabled = true
	b.config.Management.NatsURL = natsURL
	return b
}

// WithLogging configures the zap adapter's level and optional output file.
func (b *Builder) WithLogging(level, logFile string) *Builder {
	b.config.Logging.Level = level
	b.config.Logging.File = logFile
	return b
}

// Build validates and returns the assembled Config.
func (b *Builder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the assembled Config without validation.
func (b *Builder) BuildUnsafe() *Config {
	return b.config
}
