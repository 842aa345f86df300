package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	KeyPrefix          string
	AlertStream        string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	AlertStreamMaxLen  int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// StoreConfig selects the saga state store.
type StoreConfig struct {
	Kind        string
	DatabaseURL string
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// HTTPConfig holds the HTTP API and ops address.
type HTTPConfig struct {
	Addr string
}

// SagaConfig holds the saga timing and capacity settings.
type SagaConfig struct {
	Deadline            time.Duration
	DefaultLockTTL      time.Duration
	CallTimeout         time.Duration
	CompensationTimeout time.Duration
	AbandonedRetention  time.Duration
	CancellationWindow  time.Duration
	MaxConcurrent       int
}

// RemotesConfig holds the addresses of the vendor services and the
// payment gateway.
type RemotesConfig struct {
	Vendors        map[string]string
	PaymentGateway string
}

// AMQPConfig holds the optional durable alert queue settings.
type AMQPConfig struct {
	URL   string
	Queue string
}

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		KeyPrefix:   stringOr("SAGA_KEY_PREFIX", "saga:"),
		AlertStream: stringOr("ALERT_STREAM", "booking_alerts"),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.AlertStreamMaxLen, err = int64Or("ALERT_STREAM_MAXLEN", 10000); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadStore reads STATE_STORE and DATABASE_URL. The postgres store needs a
// DATABASE_URL; with the redis store it is optional and enables the
// Postgres step journal and payment ledger.
func LoadStore() (StoreConfig, error) {
	cfg := StoreConfig{
		Kind:        strings.ToLower(stringOr("STATE_STORE", StoreRedis)),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	switch cfg.Kind {
	case StoreRedis:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, errors.New("DATABASE_URL is required when STATE_STORE=postgres")
		}
	default:
		return cfg, fmt.Errorf("STATE_STORE: unknown store %q", cfg.Kind)
	}
	return cfg, nil
}

// LoadGRPC reads the gRPC listen address and ingress rate limit from env.
// A zero interval disables ingress rate limiting.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = durationOr("GRPC_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("GRPC_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst == 0 {
		return cfg, errors.New("GRPC_RATE_LIMIT_BURST must be > 0 when GRPC_RATE_LIMIT_INTERVAL is set")
	}
	return cfg, nil
}

// LoadHTTP reads the HTTP API address from env.
func LoadHTTP() HTTPConfig {
	return HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080")}
}

// LoadSaga reads SAGA_* timing settings from env.
func LoadSaga() (SagaConfig, error) {
	var (
		cfg SagaConfig
		err error
	)
	if cfg.Deadline, err = durationOr("SAGA_DEADLINE", 2*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DefaultLockTTL, err = durationOr("SAGA_DEFAULT_LOCK_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.CallTimeout, err = durationOr("SAGA_CALL_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.CompensationTimeout, err = durationOr("SAGA_COMPENSATION_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.AbandonedRetention, err = durationOr("SAGA_ABANDONED_RETENTION", 72*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.CancellationWindow, err = durationOr("SAGA_CANCELLATION_WINDOW", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrent, err = intOr("SAGA_MAX_CONCURRENT", 64); err != nil {
		return cfg, err
	}
	if cfg.AbandonedRetention == 0 {
		return cfg, errors.New("SAGA_ABANDONED_RETENTION must be > 0")
	}
	return cfg, nil
}

// LoadRemotes reads VENDOR_ADDRS ("name=host:port,name=host:port") and
// PAYMENT_GATEWAY_ADDR. Both are required.
func LoadRemotes() (RemotesConfig, error) {
	raw, err := requiredString("VENDOR_ADDRS")
	if err != nil {
		return RemotesConfig{}, err
	}
	vendors := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, addr, ok := strings.Cut(entry, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return RemotesConfig{}, fmt.Errorf("VENDOR_ADDRS: malformed entry %q", entry)
		}
		if _, dup := vendors[name]; dup {
			return RemotesConfig{}, fmt.Errorf("VENDOR_ADDRS: duplicate vendor %q", name)
		}
		vendors[name] = addr
	}
	if len(vendors) == 0 {
		return RemotesConfig{}, errors.New("VENDOR_ADDRS lists no vendors")
	}

	gateway, err := requiredString("PAYMENT_GATEWAY_ADDR")
	if err != nil {
		return RemotesConfig{}, err
	}
	return RemotesConfig{Vendors: vendors, PaymentGateway: gateway}, nil
}

// LoadAMQP reads the optional RabbitMQ alert queue settings.
func LoadAMQP() AMQPConfig {
	return AMQPConfig{
		URL:   strings.TrimSpace(os.Getenv("AMQP_URL")),
		Queue: stringOr("AMQP_ALERT_QUEUE", "booking.alerts"),
	}
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func int64Or(name string, def int64) (int64, error) {
	if strings.TrimSpace(os.Getenv(name)) == "" {
		return def, nil
	}
	return requiredInt64(name)
}
