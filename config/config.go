package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const placeholderKey = "CHANGE_ME_IN_PRODUCTION"

type SMTP struct {
	Enabled        bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Server         string `json:"server" toml:"server" yaml:"server"`
	Port           int    `json:"port" toml:"port" yaml:"port"`
	SenderEmail    string `json:"sender_email" toml:"sender_email" yaml:"sender_email"`
	SenderPassword string `json:"sender_password" toml:"sender_password" yaml:"sender_password"`
	AdminEmail     string `json:"admin_email" toml:"admin_email" yaml:"admin_email"`
	OwnerEmail     string `json:"owner_email" toml:"owner_email" yaml:"owner_email"`
}

type Backup struct {
	Dir         string `json:"dir" toml:"dir" yaml:"dir"`
	S3Bucket    string `json:"s3_bucket" toml:"s3_bucket" yaml:"s3_bucket"`
	S3Region    string `json:"s3_region" toml:"s3_region" yaml:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint" toml:"s3_endpoint" yaml:"s3_endpoint"`
	S3Prefix    string `json:"s3_prefix" toml:"s3_prefix" yaml:"s3_prefix"`
	S3AccessKey string `json:"s3_access_key" toml:"s3_access_key" yaml:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key" toml:"s3_secret_key" yaml:"s3_secret_key"`
}

type Config struct {
	AppName       string `json:"app_name" toml:"app_name" yaml:"app_name"`
	ListenIP      string `json:"listen_ip" toml:"listen_ip" yaml:"listen_ip"`
	ListenPort    int    `json:"listen_port" toml:"listen_port" yaml:"listen_port"`
	SessionKey    string `json:"session_key" toml:"session_key" yaml:"session_key"`
	UsersFile     string `json:"users_file" toml:"users_file" yaml:"users_file"`
	InventoryDB   string `json:"inventory_db" toml:"inventory_db" yaml:"inventory_db"`
	OwnerUsername string `json:"owner_username" toml:"owner_username" yaml:"owner_username"`
	TokenTTL      string `json:"token_ttl" toml:"token_ttl" yaml:"token_ttl"`
	SecureCookies bool   `json:"secure_cookies" toml:"secure_cookies" yaml:"secure_cookies"`
	LogLevel      string `json:"log_level" toml:"log_level" yaml:"log_level"`
	SMTP          SMTP   `json:"smtp" toml:"smtp" yaml:"smtp"`
	Backup        Backup `json:"backup" toml:"backup" yaml:"backup"`

	// GeneratedKey is set when no session key was configured and a random
	// one was generated for this process.
	GeneratedKey bool `json:"-" toml:"-" yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path (format chosen by extension), applies environment
// overrides and fills defaults. A missing file is not an error when
// allowMissing is true.
func Load(path string, allowMissing bool) (*Config, error) {
	c := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case allowMissing && os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()

	if _, err := c.TokenLifetime(); err != nil {
		return nil, err
	}

	// If no key is provided or it's the placeholder, generate a secure random one
	if c.SessionKey == "" || c.SessionKey == placeholderKey {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err != nil {
			return nil, err
		}
		c.SessionKey = hex.EncodeToString(randomKey)
		c.GeneratedKey = true
	}

	return c, nil
}

func decode(path string, data []byte, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), c)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".json", "":
		return json.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("STOCKROOM_SESSION_KEY"); v != "" {
		c.SessionKey = v
	}
	if v := os.Getenv("STOCKROOM_SMTP_PASSWORD"); v != "" {
		c.SMTP.SenderPassword = v
	}
	if v := os.Getenv("STOCKROOM_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid STOCKROOM_LISTEN_PORT %q", v)
		}
		c.ListenPort = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "Stockroom"
	}
	if c.ListenIP == "" {
		c.ListenIP = "127.0.0.1"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 8080
	}
	if c.UsersFile == "" {
		c.UsersFile = "users.json"
	}
	if c.InventoryDB == "" {
		c.InventoryDB = "stockroom.db"
	}
	if c.OwnerUsername == "" {
		c.OwnerUsername = "owner"
	}
	if c.TokenTTL == "" {
		c.TokenTTL = "12h"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = "backups"
	}
	if c.Backup.S3Prefix == "" {
		c.Backup.S3Prefix = "stockroom"
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

func (c *Config) TokenLifetime() (time.Duration, error) {
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid token_ttl %q", c.TokenTTL)
	}
	return d, nil
}

// Configured reports whether enough is set to attempt delivery.
func (s SMTP) Configured() bool {
	return s.Server != "" && s.SenderEmail != "" && s.SenderPassword != ""
}

func (b Backup) S3Enabled() bool {
	return b.S3Bucket != ""
}
