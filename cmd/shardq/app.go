package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/shardq"
	"pkt.systems/shardq/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SHARDQ_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "shardq")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by every subcommand: the viper instance the
// root flags are bound to and the process logger.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: loggingutil.EnsureLogger(baseLogger)}

	cmd := &cobra.Command{
		Use:           "shardq",
		Short:         "shardq is a sharded at-least-once message queue living entirely in an object store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Local directory backend
  shardq --store disk:///var/lib/shardq queue create orders --shards 8
  echo '{"order":1}' | shardq --store disk:///var/lib/shardq send orders --file -
  shardq --store disk:///var/lib/shardq read orders -n 10 --wait 30s

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  SHARDQ_STORE=s3://localhost:9000/shardq?insecure=1 SHARDQ_S3_ACCESS_KEY_ID=minioadmin SHARDQ_S3_SECRET_ACCESS_KEY=minioadmin shardq queue count orders

  # AWS S3 backend (expects AWS credentials in the environment)
  SHARDQ_STORE=aws://my-bucket/queues SHARDQ_AWS_REGION=eu-north-1 shardq reconcile orders invoices
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.shardq/"+shardq.DefaultConfigFileName+")")
	flags.StringP("store", "s", "", "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container, redis://, bolt://, pebble://, postgres://)")
	flags.String("namespace", shardq.DefaultNamespace, "namespace queues live in")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringP("output", "o", string(outputText), "output format (text|json)")
	flags.Int("shards", shardq.DefaultShards, "shard count written by queue create")
	flags.Duration("lease-timeout", shardq.DefaultLeaseTimeout, "default lease granted by a claim")
	flags.Int("max-attempts", shardq.DefaultMaxAttempts, "claims before a message is dead lettered")
	flags.Duration("request-timeout", shardq.DefaultRequestTimeout, "timeout for each storage round-trip")
	flags.String("inline-payload-limit", humanizeBytes(shardq.DefaultInlinePayloadLimit), "largest payload stored inside its envelope")
	flags.String("max-payload", humanizeBytes(shardq.DefaultMaxPayloadBytes), "largest payload accepted by send")
	flags.Duration("member-ttl", shardq.DefaultMemberTTL, "consumer membership heartbeat lifetime")
	flags.Duration("poll-interval", shardq.DefaultPollInterval, "sleep between empty reads while waiting")
	flags.Int("overlap", 1, "consumers assigned to each shard")
	flags.Int("scan-page-size", 0, "objects listed per storage page (0 uses the default)")
	flags.Duration("orphan-grace", shardq.DefaultOrphanGrace, "age before an unreferenced payload is removed by reconcile")
	flags.Duration("reconcile-interval", shardq.DefaultReconcileInterval, "pause between reconcile passes")
	flags.Int("storage-retry-attempts", shardq.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", shardq.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", shardq.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", shardq.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("aws-region", "", "AWS region for aws:// backends")
	flags.String("aws-kms-key-id", "", "KMS key ID for aws:// backends")
	flags.String("azure-account", "", "Azure Storage account (defaults to the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.String("redis-prefix", "", "key prefix for redis:// stores")
	flags.Bool("disable-change-feed", false, "disable backend change notifications (consumers poll only)")
	flags.Bool("bolt-no-sync", false, "skip fsync on bolt commits")
	flags.Bool("pebble-sync", false, "fsync the pebble WAL on every write")
	flags.Int("postgres-max-conns", shardq.DefaultPostgresMaxConns, "postgres connection pool size")
	flags.Bool("postgres-skip-migrations", false, "do not run schema migrations on open")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")

	c.v.SetEnvPrefix("SHARDQ")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newQueueCommand(c))
	cmd.AddCommand(newSendCommand(c))
	cmd.AddCommand(newReadCommand(c))
	cmd.AddCommand(newAckCommand(c))
	cmd.AddCommand(newNackCommand(c))
	cmd.AddCommand(newExtendCommand(c))
	cmd.AddCommand(newPeekCommand(c))
	cmd.AddCommand(newDLQCommand(c))
	cmd.AddCommand(newReconcileCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// load reads the optional config file, applies the log level and returns a
// validated Config.
func (c *cli) load() (shardq.Config, pslog.Logger, error) {
	logger := c.logger
	configFile, err := c.loadConfigFile()
	if err != nil {
		return shardq.Config{}, nil, err
	}
	if logLevel := strings.TrimSpace(c.v.GetString("log-level")); logLevel != "" {
		level, ok := pslog.ParseLevel(logLevel)
		if !ok {
			return shardq.Config{}, nil, fmt.Errorf("unknown log level %q", logLevel)
		}
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli.config").Debug("loaded config file", "path", configFile)
	}
	var cfg shardq.Config
	if err := c.bindConfig(&cfg); err != nil {
		return shardq.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return shardq.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openBroker loads the configuration and opens the backend. The caller closes
// the broker.
func (c *cli) openBroker(cmd *cobra.Command) (*shardq.Broker, pslog.Logger, error) {
	cfg, logger, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	broker, err := shardq.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return broker, logger, nil
}

func (c *cli) output() (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(c.v.GetString("output")))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", mode)
	}
}

func (c *cli) bindConfig(cfg *shardq.Config) error {
	v := c.v
	cfg.Store = v.GetString("store")
	cfg.Namespace = v.GetString("namespace")
	cfg.Shards = v.GetInt("shards")
	cfg.LeaseTimeout = v.GetDuration("lease-timeout")
	cfg.MaxAttempts = v.GetInt("max-attempts")
	cfg.RequestTimeout = v.GetDuration("request-timeout")
	inline, err := parseByteSize(v, "inline-payload-limit")
	if err != nil {
		return err
	}
	cfg.InlinePayloadLimit = inline
	maxPayload, err := parseByteSize(v, "max-payload")
	if err != nil {
		return err
	}
	cfg.MaxPayloadBytes = maxPayload
	cfg.MemberTTL = v.GetDuration("member-ttl")
	cfg.PollInterval = v.GetDuration("poll-interval")
	cfg.Overlap = v.GetInt("overlap")
	cfg.ScanPageSize = v.GetInt("scan-page-size")
	cfg.OrphanGrace = v.GetDuration("orphan-grace")
	cfg.ReconcileInterval = v.GetDuration("reconcile-interval")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = v.GetString("s3-session-token")
	cfg.S3SSE = v.GetString("s3-sse")
	cfg.S3KMSKeyID = v.GetString("s3-kms-key-id")
	cfg.AWSRegion = v.GetString("aws-region")
	cfg.AWSKMSKeyID = v.GetString("aws-kms-key-id")
	cfg.AzureAccount = v.GetString("azure-account")
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	cfg.RedisPrefix = v.GetString("redis-prefix")
	cfg.DisableChangeFeed = v.GetBool("disable-change-feed")
	cfg.BoltNoSync = v.GetBool("bolt-no-sync")
	cfg.PebbleSync = v.GetBool("pebble-sync")
	cfg.PostgresMaxConns = v.GetInt("postgres-max-conns")
	cfg.PostgresSkipMigrations = v.GetBool("postgres-skip-migrations")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	return nil
}

func parseByteSize(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := shardq.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
