// Package config resolves tool configuration from flags, an optional
// YAML file, and DCMMOVE_* environment variables, in that order of
// precedence.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"gopkg.in/yaml.v3"
)

// Config holds everything the CLI needs for one run.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	AET            string `yaml:"aet"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Insecure       bool   `yaml:"insecure"`

	// Auth: either a static bearer token, or OAuth2 client credentials.
	Token              string `yaml:"token"`
	TokenEndpoint      string `yaml:"token_endpoint"`
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	ClientSecretSecret string `yaml:"client_secret_secret"` // Secret Manager resource name
	Scope              string `yaml:"scope"`

	OrgUIDRoot    string `yaml:"org_uid_root"`
	DefaultIssuer string `yaml:"default_issuer"`
	Concurrency   int    `yaml:"concurrency"`
}

// FromEnv builds a Config from DCMMOVE_* environment variables. Unset
// variables leave zero values for the file/flag layers to fill.
func FromEnv() Config {
	return Config{
		BaseURL:            os.Getenv("DCMMOVE_BASE_URL"),
		AET:                os.Getenv("DCMMOVE_AET"),
		Token:              os.Getenv("DCMMOVE_TOKEN"),
		TokenEndpoint:      os.Getenv("DCMMOVE_TOKEN_ENDPOINT"),
		ClientID:           os.Getenv("DCMMOVE_CLIENT_ID"),
		ClientSecret:       os.Getenv("DCMMOVE_CLIENT_SECRET"),
		ClientSecretSecret: os.Getenv("DCMMOVE_CLIENT_SECRET_SECRET"),
		Scope:              os.Getenv("DCMMOVE_SCOPE"),
		OrgUIDRoot:         os.Getenv("DCMMOVE_ORG_UID_ROOT"),
		DefaultIssuer:      os.Getenv("DCMMOVE_DEFAULT_ISSUER"),
	}
}

// LoadFile overlays the YAML file at path onto base. Fields set in the
// file replace the base values.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays non-zero fields of over onto c and returns the result.
// Used to apply command-line flags on top of file/env configuration.
func Merge(c, over Config) Config {
	if over.BaseURL != "" {
		c.BaseURL = over.BaseURL
	}
	if over.AET != "" {
		c.AET = over.AET
	}
	if over.TimeoutSeconds != 0 {
		c.TimeoutSeconds = over.TimeoutSeconds
	}
	if over.Insecure {
		c.Insecure = true
	}
	if over.Token != "" {
		c.Token = over.Token
	}
	if over.TokenEndpoint != "" {
		c.TokenEndpoint = over.TokenEndpoint
	}
	if over.ClientID != "" {
		c.ClientID = over.ClientID
	}
	if over.ClientSecret != "" {
		c.ClientSecret = over.ClientSecret
	}
	if over.ClientSecretSecret != "" {
		c.ClientSecretSecret = over.ClientSecretSecret
	}
	if over.Scope != "" {
		c.Scope = over.Scope
	}
	if over.OrgUIDRoot != "" {
		c.OrgUIDRoot = over.OrgUIDRoot
	}
	if over.DefaultIssuer != "" {
		c.DefaultIssuer = over.DefaultIssuer
	}
	if over.Concurrency != 0 {
		c.Concurrency = over.Concurrency
	}
	return c
}

// HasAuth reports whether any auth mode is configured. Commands that
// talk to the archive refuse to start without one.
func (c Config) HasAuth() bool {
	return c.Token != "" || c.TokenEndpoint != ""
}

// ResolveClientSecret fetches the OAuth2 client secret from Google
// Secret Manager when client_secret_secret names a secret and no
// literal secret was supplied. A bare secret name (no /versions/
// suffix) resolves to its latest version.
func (c *Config) ResolveClientSecret(ctx context.Context) error {
	if c.ClientSecret != "" || c.ClientSecretSecret == "" {
		return nil
	}

	name := c.ClientSecretSecret
	if !strings.Contains(name, "/versions/") {
		name += "/versions/latest"
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to init Secret Manager client: %w", err)
	}
	defer client.Close()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return fmt.Errorf("AccessSecretVersion %s: %w", name, err)
	}
	if resp.Payload == nil || len(resp.Payload.Data) == 0 {
		return fmt.Errorf("secret %s has empty payload", name)
	}

	c.ClientSecret = strings.TrimSpace(string(resp.Payload.Data))
	return nil
}
