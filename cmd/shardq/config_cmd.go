package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/shardq"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage shardq configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.shardq/" + shardq.DefaultConfigFileName
	if path, err := shardq.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default shardq configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := shardq.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; keys are the flag names so viper
// reads the generated file back unchanged.
type configDefaults struct {
	Store                   string  `yaml:"store"`
	Namespace               string  `yaml:"namespace"`
	LogLevel                string  `yaml:"log-level"`
	Shards                  int     `yaml:"shards"`
	LeaseTimeout            string  `yaml:"lease-timeout"`
	MaxAttempts             int     `yaml:"max-attempts"`
	RequestTimeout          string  `yaml:"request-timeout"`
	InlinePayloadLimit      string  `yaml:"inline-payload-limit"`
	MaxPayload              string  `yaml:"max-payload"`
	MemberTTL               string  `yaml:"member-ttl"`
	PollInterval            string  `yaml:"poll-interval"`
	Overlap                 int     `yaml:"overlap"`
	OrphanGrace             string  `yaml:"orphan-grace"`
	ReconcileInterval       string  `yaml:"reconcile-interval"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	S3SSE                   string  `yaml:"s3-sse"`
	S3KMSKeyID              string  `yaml:"s3-kms-key-id"`
	AWSRegion               string  `yaml:"aws-region"`
	AWSKMSKeyID             string  `yaml:"aws-kms-key-id"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	RedisPrefix             string  `yaml:"redis-prefix"`
	DisableChangeFeed       bool    `yaml:"disable-change-feed"`
	BoltNoSync              bool    `yaml:"bolt-no-sync"`
	PebbleSync              bool    `yaml:"pebble-sync"`
	PostgresMaxConns        int     `yaml:"postgres-max-conns"`
	PostgresSkipMigrations  bool    `yaml:"postgres-skip-migrations"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                   shardq.DefaultStore,
		Namespace:               shardq.DefaultNamespace,
		LogLevel:                "info",
		Shards:                  shardq.DefaultShards,
		LeaseTimeout:            shardq.DefaultLeaseTimeout.String(),
		MaxAttempts:             shardq.DefaultMaxAttempts,
		RequestTimeout:          shardq.DefaultRequestTimeout.String(),
		InlinePayloadLimit:      humanizeBytes(shardq.DefaultInlinePayloadLimit),
		MaxPayload:              humanizeBytes(shardq.DefaultMaxPayloadBytes),
		MemberTTL:               shardq.DefaultMemberTTL.String(),
		PollInterval:            shardq.DefaultPollInterval.String(),
		Overlap:                 1,
		OrphanGrace:             shardq.DefaultOrphanGrace.String(),
		ReconcileInterval:       shardq.DefaultReconcileInterval.String(),
		StorageRetryMaxAttempts: shardq.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   shardq.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    shardq.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  shardq.DefaultStorageRetryMultiplier,
		PostgresMaxConns:        shardq.DefaultPostgresMaxConns,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
