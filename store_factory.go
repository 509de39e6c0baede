package shardq

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/clock"
	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/storage"
	awsstore "pkt.systems/shardq/internal/storage/aws"
	azurestore "pkt.systems/shardq/internal/storage/azure"
	"pkt.systems/shardq/internal/storage/bolt"
	"pkt.systems/shardq/internal/storage/disk"
	"pkt.systems/shardq/internal/storage/logging"
	"pkt.systems/shardq/internal/storage/memory"
	"pkt.systems/shardq/internal/storage/pebble"
	"pkt.systems/shardq/internal/storage/postgres"
	redisstore "pkt.systems/shardq/internal/storage/redis"
	"pkt.systems/shardq/internal/storage/retry"
	"pkt.systems/shardq/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// BackendKind returns the backend family named by a store URL ("mem",
// "disk", "s3", ...).
func BackendKind(store string) (string, error) {
	u, err := url.Parse(store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return "mem", nil
	case "rediss":
		return "redis", nil
	case "postgresql":
		return "postgres", nil
	default:
		return u.Scheme, nil
	}
}

// OpenBackend opens the backend named by cfg.Store and decorates it with
// structured logging, tracing and transient-error retries. cfg must have
// been validated.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	logger = loggingutil.EnsureLogger(logger)
	kind, err := BackendKind(cfg.Store)
	if err != nil {
		return nil, err
	}
	raw, err := openRawBackend(ctx, cfg, kind, logger)
	if err != nil {
		return nil, err
	}
	backend := logging.Wrap(raw, logger, kind)
	if cfg.StorageRetryMaxAttempts > 1 {
		backend = retry.Wrap(backend, logger, clock.Real{}, retry.Config{
			MaxAttempts: cfg.StorageRetryMaxAttempts,
			BaseDelay:   cfg.StorageRetryBaseDelay,
			MaxDelay:    cfg.StorageRetryMaxDelay,
			Multiplier:  cfg.StorageRetryMultiplier,
		})
	}
	logger.Debug("storage.backend.opened", "backend", kind, "store", describe(raw, cfg.Store))
	return backend, nil
}

func describe(backend storage.Backend, fallback string) string {
	if d, ok := backend.(storage.Describer); ok {
		return d.Describe()
	}
	return fallback
}

func openRawBackend(ctx context.Context, cfg Config, kind string, logger pslog.Logger) (storage.Backend, error) {
	switch kind {
	case "mem":
		return memory.NewWithConfig(memory.Config{DisableChangeFeed: cfg.DisableChangeFeed}), nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(ctx, backend, s3cfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(ctx, backend, awscfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	case "redis":
		return redisstore.New(ctx, redisstore.Config{URL: cfg.Store, Prefix: cfg.RedisPrefix})
	case "bolt":
		path, err := localPath(cfg.Store, "bolt")
		if err != nil {
			return nil, err
		}
		return bolt.Open(bolt.Config{Path: path, NoSync: cfg.BoltNoSync})
	case "pebble":
		dir, err := localPath(cfg.Store, "pebble")
		if err != nil {
			return nil, err
		}
		return pebble.Open(pebble.Config{Dir: dir, Sync: cfg.PebbleSync})
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:            cfg.Store,
			MaxOpenConns:   cfg.PostgresMaxConns,
			SkipMigrations: cfg.PostgresSkipMigrations,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("store scheme %q not supported", kind)
	}
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

func ensureBucketReady(ctx context.Context, backend bucketChecker, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs for Amazon S3.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or SHARDQ_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, resolveAWSCredentials(), nil
}

func splitBucketPath(p string) (bucket, prefix string) {
	path := strings.Trim(strings.TrimPrefix(p, "/"), "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("SHARDQ_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("SHARDQ_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("SHARDQ_S3_SESSION_TOKEN")
		source = "env:SHARDQ_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))
		secretKey = os.Getenv("MINIO_ROOT_PASSWORD")
		source = "env:MINIO_ROOT_USER"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("SHARDQ_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("SHARDQ_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	root, err := localPath(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, "", err
	}
	return disk.Config{Root: root, DisableChangeFeed: cfg.DisableChangeFeed}, root, nil
}

// localPath extracts the filesystem path of disk://, bolt:// and pebble://
// URLs. Both scheme:///abs/path and scheme://relative/path are accepted.
func localPath(store, scheme string) (string, error) {
	u, err := url.Parse(store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = host
		} else {
			pathPart = host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("%s store path required (e.g. %s:///var/lib/shardq)", scheme, scheme)
	}
	return filepath.Clean(pathPart), nil
}
