package shardq

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/mq"
)

const (
	// DefaultStore points at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultNamespace is the storage namespace queues live in.
	DefaultNamespace = mq.DefaultNamespace
	// DefaultShards is the shard count used by queue create.
	DefaultShards = mq.DefaultShards
	// DefaultLeaseTimeout is the lease granted by a claim when the caller does not pick one.
	DefaultLeaseTimeout = mq.DefaultLeaseTimeout
	// DefaultMaxAttempts is how many claims a message gets before it is dead lettered.
	DefaultMaxAttempts = mq.DefaultMaxAttempts
	// DefaultRequestTimeout bounds each storage round-trip.
	DefaultRequestTimeout = mq.DefaultRequestTimeout
	// DefaultInlinePayloadLimit is the largest payload embedded in its envelope.
	DefaultInlinePayloadLimit = int64(mq.DefaultInlinePayloadLimit)
	// DefaultMaxPayloadBytes is the largest payload accepted by send.
	DefaultMaxPayloadBytes = int64(mq.DefaultMaxPayloadBytes)
	// DefaultMemberTTL is how long a consumer heartbeat keeps it in the member set.
	DefaultMemberTTL = mq.DefaultMemberTTL
	// DefaultPollInterval is the sleep between empty reads while long polling.
	DefaultPollInterval = mq.DefaultPollInterval
	// DefaultReconcileInterval is the pause between background reconcile passes.
	DefaultReconcileInterval = mq.DefaultReconcileInterval
	// DefaultOrphanGrace is the age an unreferenced payload must reach before it is removed.
	DefaultOrphanGrace = mq.DefaultOrphanGrace
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 5
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultPostgresMaxConns caps the connection pool of the postgres backend.
	DefaultPostgresMaxConns = 8
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config carries everything needed to open a backend and build queue handles.
type Config struct {
	// Store is the backend URL (mem://, disk://, s3://, aws://, azure://,
	// redis://, bolt://, pebble://, postgres://).
	Store string
	// Namespace separates independent deployments sharing one backend.
	Namespace string

	// Shards, LeaseTimeout and MaxAttempts are written to the manifest by
	// queue create and read back from it afterwards.
	Shards       int
	LeaseTimeout time.Duration
	MaxAttempts  int

	// RequestTimeout bounds each storage round-trip.
	RequestTimeout     time.Duration
	InlinePayloadLimit int64
	MaxPayloadBytes    int64
	MemberTTL          time.Duration
	PollInterval       time.Duration
	// Overlap is how many consumers own each shard.
	Overlap           int
	ScanPageSize      int
	OrphanGrace       time.Duration
	ReconcileInterval time.Duration

	// StorageRetryMaxAttempts caps how many attempts a transient storage
	// failure gets. One disables retries.
	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// S3AccessKeyID is the access key for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption for s3:// and aws:// stores.
	S3SSE      string
	S3KMSKeyID string
	// AWSRegion is required for aws:// stores unless the URL carries ?region=.
	AWSRegion   string
	AWSKMSKeyID string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// RedisPrefix namespaces the keys of redis:// stores.
	RedisPrefix string
	// DisableChangeFeed turns off change notifications on backends that
	// offer them; consumers then poll on PollInterval alone.
	DisableChangeFeed bool
	// BoltNoSync skips fsync on bolt commits.
	BoltNoSync bool
	// PebbleSync forces a WAL fsync for each pebble write.
	PebbleSync             bool
	PostgresMaxConns       int
	PostgresSkipMigrations bool

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or host:port for plain gRPC).
	OTLPEndpoint string
	// MetricsListen exposes Prometheus metrics on /metrics; empty disables.
	MetricsListen string
	// PprofListen exposes net/http/pprof; empty disables.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure", "redis", "rediss", "bolt", "pebble", "postgres", "postgresql":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if u.Scheme == "aws" && strings.TrimSpace(c.AWSRegion) == "" && u.Query().Get("region") == "" {
		return fmt.Errorf("config: aws store requires region (set --aws-region or SHARDQ_AWS_REGION)")
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if err := mq.ValidateQueueName(c.Namespace); err != nil {
		return fmt.Errorf("config: namespace: %w", err)
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.Shards > mq.MaxShards {
		return fmt.Errorf("config: shards must be <= %d", mq.MaxShards)
	}
	if c.LeaseTimeout < 0 {
		return fmt.Errorf("config: lease timeout must be >= 0")
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.InlinePayloadLimit <= 0 {
		c.InlinePayloadLimit = DefaultInlinePayloadLimit
	}
	if c.InlinePayloadLimit > c.MaxPayloadBytes {
		return fmt.Errorf("config: inline payload limit must be <= max payload bytes")
	}
	if c.MemberTTL <= 0 {
		c.MemberTTL = DefaultMemberTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Overlap <= 0 {
		c.Overlap = 1
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = mq.DefaultScanPageSize
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.PostgresMaxConns <= 0 {
		c.PostgresMaxConns = DefaultPostgresMaxConns
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// QueueConfig returns the engine configuration for queue name.
func (c Config) QueueConfig(name string, logger pslog.Logger) mq.Config {
	return mq.Config{
		Name:               name,
		Namespace:          c.Namespace,
		Shards:             c.Shards,
		LeaseTimeout:       c.LeaseTimeout,
		MaxAttempts:        c.MaxAttempts,
		RequestTimeout:     c.RequestTimeout,
		InlinePayloadLimit: int(c.InlinePayloadLimit),
		MaxPayloadBytes:    int(c.MaxPayloadBytes),
		MemberTTL:          c.MemberTTL,
		PollInterval:       c.PollInterval,
		Overlap:            c.Overlap,
		ScanPageSize:       c.ScanPageSize,
		OrphanGrace:        c.OrphanGrace,
		Logger:             logger,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.shardq).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SHARDQ_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shardq"), nil
}

// DefaultConfigPath returns the config file read when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
