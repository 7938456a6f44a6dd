package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/common/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int              `json:"port" yaml:"port"`
	LogConfig   logger.LogConfig `json:"log_config" yaml:"log_config"`
	KVStore     KVStoreConfig    `json:"kv_store" yaml:"kv_store"`
	DocStore    DocStoreConfig   `json:"doc_store" yaml:"doc_store"`
	Archive     StoreConfig      `json:"archive" yaml:"archive"`
	Mail        MailConfig       `json:"mail" yaml:"mail"`
	OTP         OTPConfig        `json:"otp" yaml:"otp"`
	RateLimit   RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Admin       AdminConfig      `json:"admin" yaml:"admin"`
	CORSOrigins []string         `json:"cors_origins" yaml:"cors_origins"`
	MigrateCron string           `json:"migrate_cron" yaml:"migrate_cron"`
}

// StoreConfig selects a registered backend by Type; Data is decoded by the
// backend itself.
type StoreConfig struct {
	Type string                 `json:"type" yaml:"type"`
	Data map[string]interface{} `json:"data" yaml:"data"`
}

type KVStoreConfig struct {
	StoreConfig    `json:",inline" yaml:",inline"`
	FallbackMemory bool `json:"fallback_memory" yaml:"fallback_memory"`
}

type DocStoreConfig struct {
	StoreConfig  `json:",inline" yaml:",inline"`
	FallbackFile string `json:"fallback_file" yaml:"fallback_file"`
}

type MailConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password" yaml:"password"`
	From           string `json:"from" yaml:"from"`
	Recipient      string `json:"recipient" yaml:"recipient"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

func (m MailConfig) Configured() bool {
	return m.Host != "" && m.Port != 0 && m.Username != "" && m.Password != ""
}

type OTPConfig struct {
	CodeLength             int    `json:"code_length" yaml:"code_length"`
	TTLSeconds             int    `json:"ttl_seconds" yaml:"ttl_seconds"`
	MaxAttempts            int    `json:"max_attempts" yaml:"max_attempts"`
	ResendIntervalSeconds  int    `json:"resend_interval_seconds" yaml:"resend_interval_seconds"`
	MaxResends             int    `json:"max_resends" yaml:"max_resends"`
	StoreTimeoutMillis     int    `json:"store_timeout_ms" yaml:"store_timeout_ms"`
	DeliveryTimeoutSeconds int    `json:"delivery_timeout_seconds" yaml:"delivery_timeout_seconds"`
	VerifiedRetentionSecs  int    `json:"verified_retention_seconds" yaml:"verified_retention_seconds"`
	ClaimTimeoutSeconds    int    `json:"claim_timeout_seconds" yaml:"claim_timeout_seconds"`
	Secret                 string `json:"secret" yaml:"secret"`
}

func (o OTPConfig) TTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

type RateLimitConfig struct {
	FormLimit         int `json:"form_limit" yaml:"form_limit"`
	FormWindowSeconds int `json:"form_window_seconds" yaml:"form_window_seconds"`
	OTPLimit          int `json:"otp_limit" yaml:"otp_limit"`
	OTPWindowSeconds  int `json:"otp_window_seconds" yaml:"otp_window_seconds"`
}

type AdminConfig struct {
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"password" yaml:"password"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
	JWTSecret    string `json:"jwt_secret" yaml:"jwt_secret"`
	JWTTTLHours  int    `json:"jwt_ttl_hours" yaml:"jwt_ttl_hours"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := finalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment secrets live in the environment (or a .env file)
// instead of the config file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	num("PORT", &cfg.Port)
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		cfg.KVStore.Type = "redis"
		cfg.KVStore.Data = mergeData(cfg.KVStore.Data, "url", v)
	}
	if v, ok := lookup("MONGO_URL"); ok && v != "" {
		cfg.DocStore.Type = "mongo"
		cfg.DocStore.Data = mergeData(cfg.DocStore.Data, "uri", v)
	}
	str("SMTP_HOST", &cfg.Mail.Host)
	num("SMTP_PORT", &cfg.Mail.Port)
	str("SMTP_USER", &cfg.Mail.Username)
	str("SMTP_PASS", &cfg.Mail.Password)
	str("RECIPIENT_EMAIL", &cfg.Mail.Recipient)
	str("ADMIN_USERNAME", &cfg.Admin.Username)
	str("ADMIN_PASSWORD", &cfg.Admin.Password)
	str("ADMIN_PASSWORD_HASH", &cfg.Admin.PasswordHash)
	str("JWT_SECRET", &cfg.Admin.JWTSecret)
	str("OTP_SECRET", &cfg.OTP.Secret)
}

func mergeData(data map[string]interface{}, key string, value interface{}) map[string]interface{} {
	if data == nil {
		data = map[string]interface{}{}
	}
	data[key] = value
	return data
}

func finalize(cfg *Config) error {
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.KVStore.Type == "" {
		cfg.KVStore.Type = "memory"
	}
	if cfg.DocStore.Type == "" {
		cfg.DocStore.Type = "jsonfile"
		cfg.DocStore.Data = mergeData(cfg.DocStore.Data, "path", "submissions_tracking.json")
	}
	if cfg.Archive.Type == "" {
		cfg.Archive.Type = "local"
		cfg.Archive.Data = mergeData(cfg.Archive.Data, "dir", "submissions")
	}
	if cfg.Mail.Port == 0 {
		cfg.Mail.Port = 587
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = cfg.Mail.Username
	}
	if cfg.Mail.TimeoutSeconds <= 0 {
		cfg.Mail.TimeoutSeconds = 30
	}
	if err := finalizeOTP(&cfg.OTP); err != nil {
		return err
	}
	rl := &cfg.RateLimit
	if rl.FormLimit == 0 {
		rl.FormLimit = 10
	}
	if rl.FormWindowSeconds == 0 {
		rl.FormWindowSeconds = 3600
	}
	if rl.OTPLimit == 0 {
		rl.OTPLimit = 15
	}
	if rl.OTPWindowSeconds == 0 {
		rl.OTPWindowSeconds = 300
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
	if cfg.Admin.JWTTTLHours == 0 {
		cfg.Admin.JWTTTLHours = 12
	}
	if cfg.Admin.PasswordHash != "" || cfg.Admin.Password != "" {
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is required when admin credentials are set")
		}
	}
	if cfg.MigrateCron == "" {
		cfg.MigrateCron = "*/10 * * * *"
	}
	return nil
}

func finalizeOTP(o *OTPConfig) error {
	if o.CodeLength == 0 {
		o.CodeLength = 6
	}
	if o.CodeLength < 4 || o.CodeLength > 10 {
		return fmt.Errorf("otp.code_length must be between 4 and 10")
	}
	if o.TTLSeconds == 0 {
		o.TTLSeconds = 300
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.ResendIntervalSeconds == 0 {
		o.ResendIntervalSeconds = 30
	}
	if o.MaxResends == 0 {
		o.MaxResends = 5
	}
	if o.StoreTimeoutMillis == 0 {
		o.StoreTimeoutMillis = 2000
	}
	if o.DeliveryTimeoutSeconds == 0 {
		o.DeliveryTimeoutSeconds = 30
	}
	if o.VerifiedRetentionSecs == 0 {
		o.VerifiedRetentionSecs = 24 * 60 * 60
	}
	if o.ClaimTimeoutSeconds == 0 {
		o.ClaimTimeoutSeconds = 30
	}
	if o.TTLSeconds < 0 || o.MaxAttempts < 0 || o.MaxResends < 0 {
		return fmt.Errorf("otp ttl/max_attempts/max_resends must be positive")
	}
	if o.VerifiedRetentionSecs < 0 || o.ClaimTimeoutSeconds < 0 {
		return fmt.Errorf("otp verified_retention_seconds/claim_timeout_seconds must be positive")
	}
	return nil
}
