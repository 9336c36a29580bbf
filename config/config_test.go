package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"app_name": "TestApp",
		"listen_ip": "0.0.0.0",
		"listen_port": 9090,
		"session_key": "test-session-key",
		"owner_username": "boss",
		"smtp": {"enabled": true, "server": "smtp.example.com", "sender_email": "shop@example.com"}
	}`)

	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.AppName != "TestApp" {
		t.Errorf("Expected AppName 'TestApp', got '%s'", c.AppName)
	}
	if c.Addr() != "0.0.0.0:9090" {
		t.Errorf("Expected addr 0.0.0.0:9090, got %s", c.Addr())
	}
	if c.SessionKey != "test-session-key" || c.GeneratedKey {
		t.Errorf("Expected configured session key, got %q (generated=%v)", c.SessionKey, c.GeneratedKey)
	}
	if c.OwnerUsername != "boss" {
		t.Errorf("Expected owner 'boss', got '%s'", c.OwnerUsername)
	}
	if !c.SMTP.Enabled || c.SMTP.Port != 587 {
		t.Errorf("Expected enabled SMTP on default port, got %+v", c.SMTP)
	}
	if c.SMTP.Configured() {
		t.Error("SMTP without a password should not count as configured")
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
app_name = "TomlShop"
listen_port = 7000
token_ttl = "30m"

[backup]
s3_bucket = "shop-backups"
s3_region = "eu-west-3"
`)

	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.AppName != "TomlShop" || c.ListenPort != 7000 {
		t.Errorf("Unexpected values: %+v", c)
	}
	ttl, err := c.TokenLifetime()
	if err != nil || ttl != 30*time.Minute {
		t.Errorf("Expected 30m token ttl, got %v (%v)", ttl, err)
	}
	if !c.Backup.S3Enabled() || c.Backup.S3Prefix != "stockroom" {
		t.Errorf("Unexpected backup config: %+v", c.Backup)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
app_name: YamlShop
log_level: debug
secure_cookies: true
smtp:
  server: mail.example.com
  port: 2525
`)

	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.AppName != "YamlShop" || c.LogLevel != "debug" || !c.SecureCookies {
		t.Errorf("Unexpected values: %+v", c)
	}
	if c.SMTP.Port != 2525 {
		t.Errorf("Expected SMTP port 2525, got %d", c.SMTP.Port)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.json", `{"session_key": "from-file", "listen_port": 9090}`)
	t.Setenv("STOCKROOM_SESSION_KEY", "from-env")
	t.Setenv("STOCKROOM_SMTP_PASSWORD", "hunter22")
	t.Setenv("STOCKROOM_LISTEN_PORT", "9191")

	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.SessionKey != "from-env" {
		t.Errorf("Expected env session key, got %q", c.SessionKey)
	}
	if c.SMTP.SenderPassword != "hunter22" {
		t.Errorf("Expected env SMTP password, got %q", c.SMTP.SenderPassword)
	}
	if c.ListenPort != 9191 {
		t.Errorf("Expected env port 9191, got %d", c.ListenPort)
	}

	t.Setenv("STOCKROOM_LISTEN_PORT", "not-a-port")
	if _, err := Load(path, false); err == nil {
		t.Error("Load should reject an invalid STOCKROOM_LISTEN_PORT")
	}
}

func TestLoadGeneratesSessionKey(t *testing.T) {
	path := writeConfig(t, "config.json", `{"session_key": "CHANGE_ME_IN_PRODUCTION"}`)

	c1, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c2, _ := Load(path, false)

	if !c1.GeneratedKey || len(c1.SessionKey) != 64 {
		t.Errorf("Expected generated 64-char key, got %q", c1.SessionKey)
	}
	if c1.SessionKey == c2.SessionKey {
		t.Error("Generated keys should differ between loads")
	}
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "non-existent.json")

	if _, err := Load(missing, false); err == nil {
		t.Error("Load with non-existent path should have failed")
	}

	c, err := Load(missing, true)
	if err != nil {
		t.Fatalf("Load with allowMissing failed: %v", err)
	}
	if c.UsersFile != "users.json" || c.ListenPort != 8080 {
		t.Errorf("Expected defaults, got %+v", c)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"bad.json":   `{ "invalid": json }`,
		"bad.toml":   `app_name = `,
		"bad.yaml":   "app_name: [unclosed",
		"config.ini": "app_name=x",
		"ttl.json":   `{"token_ttl": "forever"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, name, content), false); err == nil {
				t.Errorf("Load(%s) should have failed", name)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.OwnerUsername != "owner" || c.TokenTTL != "12h" || c.Backup.Dir != "backups" {
		t.Errorf("Unexpected defaults: %+v", c)
	}
}
