package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"

	AuthNone      = "none"
	AuthStatic    = "static"
	AuthDirectory = "directory"
)

type Config struct {
	Storage   Storage
	SMTP      SMTP
	Auth      Auth
	Directory Directory
	HTTPAddr  string
	LogLevel  slog.Level
}

type Storage struct {
	Backend  string
	RedisURL string
	DBPath   string
	MaxItems int
	// TTL is the retention bound; the TTL variable is given in minutes.
	TTL time.Duration
}

// SMTP enumerates the options handed to the SMTP listener.
type SMTP struct {
	Addr              string
	Domain            string
	MaxMessageBytes   int64
	MaxRecipients     int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowInsecureAuth bool
}

type Auth struct {
	Mode string
	// Users holds user:password pairs for the static mode.
	Users []string
}

type Directory struct {
	Host         string
	Port         int
	SearchBase   string
	BindDN       string
	BindPassword string
	UserIDAttr   string
	SearchScope  string
	Timeout      time.Duration
}

func (d Directory) URL() string {
	return fmt.Sprintf("ldap://%s:%d", d.Host, d.Port)
}

func Load() Config {
	backend := strings.ToLower(getEnvString("STORAGE", StorageMemory))
	if getEnvBool("REDIS", false) {
		backend = StorageRedis
	}
	return Config{
		Storage: Storage{
			Backend:  backend,
			RedisURL: getEnvString("REDIS_URL", "redis://localhost:6379"),
			DBPath:   getEnvString("DB_PATH", ""),
			MaxItems: getEnvInt("MAX_ITEMS", 0),
			TTL:      time.Duration(getEnvInt("TTL", 0)) * time.Minute,
		},
		SMTP: SMTP{
			Addr:              joinHostPort(getEnvString("SMTP_IP", "0.0.0.0"), getEnvInt("SMTP_PORT", 5025)),
			Domain:            getEnvString("SMTP_DOMAIN", "smtpbox"),
			MaxMessageBytes:   int64(getEnvInt("SMTP_MAX_MESSAGE_BYTES", 25<<20)),
			MaxRecipients:     getEnvInt("SMTP_MAX_RECIPIENTS", 100),
			ReadTimeout:       getEnvDuration("SMTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvDuration("SMTP_WRITE_TIMEOUT", 15*time.Second),
			AllowInsecureAuth: getEnvBool("SMTP_ALLOW_INSECURE_AUTH", true),
		},
		Auth: Auth{
			Mode:  normalizeAuthMode(getEnvString("SMTP_AUTH_MODE", AuthNone)),
			Users: getEnvList("SMTP_AUTH_USERS"),
		},
		Directory: Directory{
			Host:         getEnvString("LDAP_HOST", "localhost"),
			Port:         getEnvInt("LDAP_PORT", 389),
			SearchBase:   getEnvString("LDAP_SEARCH_BASE", ""),
			BindDN:       getEnvString("LDAP_BIND_DN", ""),
			BindPassword: getEnvString("LDAP_BIND_PASSWORD", ""),
			UserIDAttr:   getEnvString("LDAP_USER_ID_ATTR", "uid"),
			SearchScope:  strings.ToLower(getEnvString("LDAP_SEARCH_SCOPE", "sub")),
			Timeout:      getEnvDuration("LDAP_TIMEOUT", 5*time.Second),
		},
		HTTPAddr: joinHostPort(getEnvString("HTTP_IP", "0.0.0.0"), getEnvInt("HTTP_PORT", 8080)),
		LogLevel: getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Validate rejects settings that would only fail later, at the first session.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis, StorageSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.MaxItems < 0 {
		errs = append(errs, errors.New("MAX_ITEMS must not be negative"))
	}
	if c.Storage.TTL < 0 {
		errs = append(errs, errors.New("TTL must not be negative"))
	}
	if c.Storage.Backend == StorageRedis && c.Storage.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthStatic:
		if len(c.Auth.Users) == 0 {
			errs = append(errs, errors.New("SMTP_AUTH_USERS is required for static auth"))
		}
		for _, entry := range c.Auth.Users {
			if !strings.Contains(entry, ":") {
				errs = append(errs, fmt.Errorf("SMTP_AUTH_USERS entry %q is not user:password", entry))
			}
		}
	case AuthDirectory:
		if c.Directory.Host == "" {
			errs = append(errs, errors.New("LDAP_HOST is required for directory auth"))
		}
		if c.Directory.SearchBase == "" {
			errs = append(errs, errors.New("LDAP_SEARCH_BASE is required for directory auth"))
		}
		if c.Directory.UserIDAttr == "" {
			errs = append(errs, errors.New("LDAP_USER_ID_ATTR must not be empty"))
		}
		switch c.Directory.SearchScope {
		case "sub", "one", "base":
		default:
			errs = append(errs, fmt.Errorf("unknown LDAP_SEARCH_SCOPE %q", c.Directory.SearchScope))
		}
		if c.Directory.Port <= 0 || c.Directory.Port > 65535 {
			errs = append(errs, fmt.Errorf("LDAP_PORT %d out of range", c.Directory.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SMTP_AUTH_MODE %q", c.Auth.Mode))
	}

	if c.SMTP.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("SMTP_MAX_MESSAGE_BYTES must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func normalizeAuthMode(mode string) string {
	switch mode = strings.ToLower(mode); mode {
	case "basic":
		return AuthStatic
	case "ldap":
		return AuthDirectory
	default:
		return mode
	}
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var list []string
	for _, item := range strings.Split(getEnvString(key, ""), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if value, ok := os.LookupEnv(key); ok {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err == nil {
			return level
		}
	}
	return fallback
}
