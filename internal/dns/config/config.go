package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log         LogConfig         `koanf:"log"`
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Replication ReplicationConfig `koanf:"replication"`
	Notify      NotifyConfig      `koanf:"notify"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// ServerConfig holds the listening addresses.
type ServerConfig struct {
	// Listen is the UDP and TCP address DNS is served on.
	Listen string `koanf:"listen" validate:"required,ip_port"`

	// MetricsListen is the Prometheus endpoint address. Empty disables it.
	MetricsListen string `koanf:"metrics_listen" validate:"omitempty,host_port"`
}

// StorageConfig describes where zones live.
type StorageConfig struct {
	// DB is the bbolt file zones and journals are persisted to. Empty keeps
	// everything in memory.
	DB string `koanf:"db"`

	// ZoneDir holds seed zone files loaded at startup. Empty skips seeding.
	ZoneDir string `koanf:"zone_dir"`

	// JournalRetention bounds the diffs kept per zone for IXFR.
	JournalRetention int `koanf:"journal_retention" validate:"required,gte=1"`

	// XfrCacheSize bounds the rendered transfer streams kept in memory.
	XfrCacheSize int `koanf:"xfr_cache_size" validate:"required,gte=1"`
}

// ReplicationConfig controls the replica side.
type ReplicationConfig struct {
	// File lists the masters of replica zones. Empty means no replica zones
	// beyond those already persisted.
	File string `koanf:"file"`

	TransferTimeout time.Duration `koanf:"transfer_timeout" validate:"gt=0"`
	DefaultRefresh  time.Duration `koanf:"default_refresh" validate:"gt=0"`
	DefaultRetry    time.Duration `koanf:"default_retry" validate:"gt=0"`
	DefaultExpire   time.Duration `koanf:"default_expire" validate:"gt=0"`
}

// NotifyConfig lists the replicas told about changes.
type NotifyConfig struct {
	Targets []string      `koanf:"targets" validate:"dive,host_port"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{Level: "info"},
	Server: ServerConfig{
		Listen:        "0.0.0.0:53",
		MetricsListen: "127.0.0.1:9153",
	},
	Storage: StorageConfig{
		DB:               "/var/lib/rr-authd/zones.db",
		ZoneDir:          "/etc/rr-authd/zone.d/",
		JournalRetention: 100,
		XfrCacheSize:     64,
	},
	Replication: ReplicationConfig{
		TransferTimeout: 30 * time.Second,
		DefaultRefresh:  time.Hour,
		DefaultRetry:    10 * time.Minute,
		DefaultExpire:   7 * 24 * time.Hour,
	},
	Notify: NotifyConfig{
		Timeout: 2 * time.Second,
	},
}

// envKeys maps DNS_ environment variables to their configuration keys.
var envKeys = map[string]string{
	"ENV":               "env",
	"LOG_LEVEL":         "log.level",
	"LISTEN":            "server.listen",
	"METRICS_LISTEN":    "server.metrics_listen",
	"DB":                "storage.db",
	"ZONE_DIR":          "storage.zone_dir",
	"JOURNAL_RETENTION": "storage.journal_retention",
	"XFR_CACHE_SIZE":    "storage.xfr_cache_size",
	"REPLICATION_FILE":  "replication.file",
	"TRANSFER_TIMEOUT":  "replication.transfer_timeout",
	"REFRESH":           "replication.default_refresh",
	"RETRY":             "replication.default_retry",
	"EXPIRE":            "replication.default_expire",
	"NOTIFY_TARGETS":    "notify.targets",
	"NOTIFY_TIMEOUT":    "notify.timeout",
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port".
func validIPPort(fl validator.FieldLevel) bool {
	ip, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	return validPort(port)
}

// validHostPort accepts "host:port" where host is an IP, a hostname, or
// empty for all interfaces.
func validHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	if host != "" && net.ParseIP(host) == nil && strings.ContainsAny(host, " /:") {
		return false
	}
	return validPort(port)
}

func validPort(port string) bool {
	n, err := strconv.ParseUint(port, 10, 16)
	return err == nil && n > 0
}

// envLoader loads environment variables with the prefix "DNS_" and can be
// mocked in tests. Values holding spaces or commas become lists.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			name := strings.TrimPrefix(key, "DNS_")
			mapped, ok := envKeys[name]
			if !ok {
				// Unknown variables are ignored.
				return "", nil
			}
			value = strings.TrimSpace(value)

			if value == "" {
				return mapped, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return mapped, parts
			}

			return mapped, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "ip_port" and "host_port" rules.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("host_port", validHostPort)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its validation rules. Flags applied on top
// of a loaded config go through here again.
func Validate(cfg *AppConfig) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := registerValidation(validate)
	if err != nil {
		return fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(cfg)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
