package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuilderStartsFromDefaults(t *testing.T) {
	cfg, err := NewBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestBuilderChainsApplyInOrder(t *testing.T) {
	cfg, err := NewBuilder().
		WithCreditWindow(500, 2).
		WithFlushDeadline(45 * time.Second).
		WithTransferGrace(20 * time.Second).
		WithForcedDeliveryScanInterval(2 * time.Second).
		WithLargeMessageThreshold(200*1024, 32*1024).
		WithLegacyAddressing(true, "legacy.").
		WithBadgerStorage("/var/lib/flowmq", true).
		WithManagementNotifier("nats://broker:4222").
		WithLogging("debug", "/var/log/flowmq.log").
		Build()
	require.NoError(t, err)

	assert.EqualValues(t, 500, cfg.Credit.DefaultWindow)
	assert.EqualValues(t, 2, cfg.Credit.MinGrant)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.FlushDeadline)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.TransferGrace)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.ForcedDeliveryScan)
	assert.EqualValues(t, 200*1024, cfg.Streaming.MinLargeMessageSize)
	assert.EqualValues(t, 32*1024, cfg.Streaming.ChunkSize)
	assert.True(t, cfg.Addressing.LegacyPrefixEnabled)
	assert.Equal(t, "legacy.", cfg.Addressing.LegacyPrefix)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/flowmq", cfg.Storage.Path)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.True(t, cfg.Management.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.Management.NatsURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/log/flowmq.log", cfg.Logging.File)
}

func TestWithUnlimitedCreditDisablesFlowControl(t *testing.T) {
	cfg, err := NewBuilder().WithUnlimitedCredit(true).Build()
	require.NoError(t, err)
	assert.True(t, cfg.Credit.Unlimited)
}

func TestWithMemoryStorageClearsPath(t *testing.T) {
	cfg, err := NewBuilder().WithBadgerStorage("/data", false).WithMemoryStorage().Build()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Empty(t, cfg.Storage.Path)
}

func TestBuildValidatesAndRejectsBadConfig(t *testing.T) {
	_, err := NewBuilder().WithCreditWindow(-1, 1).Build()
	assert.Error(t, err)
}

func TestBuildUnsafeSkipsValidation(t *testing.T) {
	cfg := NewBuilder().WithCreditWindow(-1, 1).BuildUnsafe()
	assert.EqualValues(t, -1, cfg.Credit.DefaultWindow)
}

func TestFromConfigDoesNotAliasSource(t *testing.T) {
	src := Default()
	b := FromConfig(src)
	built, err := b.WithCreditWindow(999, 1).Build()
	require.NoError(t, err)

	assert.EqualValues(t, 999, built.Credit.DefaultWindow)
	assert.EqualValues(t, 1000, src.Credit.DefaultWindow, "FromConfig must deep-copy, not alias, the source config")
}
