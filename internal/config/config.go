// Package config handles loading and validation of service configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"golang.org/x/mod/semver"

	"gwp-sync/internal/model"
)

// SchemaMajor is the widget settings schema this build understands.
const SchemaMajor = "v1"

// Config holds all service configuration.
// Environment determines whether store credentials load from env vars
// (development) or Secret Manager (production).
type Config struct {
	// Server settings
	Port        string
	Environment string // "development" or "production"
	LogLevel    string // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string
	StoreID    string // Names the secret holding StoreConfig

	Store  StoreConfig
	Widget WidgetSettings
	Kafka  KafkaConfig
}

// StoreConfig identifies the storefront and the cart session to reconcile.
// In production this is loaded from Secret Manager as JSON, since the cart
// token grants access to a shopper's cart.
type StoreConfig struct {
	StoreURL       string `json:"store_url"`
	StoreDomain    string `json:"store_domain"` // Derived from StoreURL if not set
	CartToken      string `json:"cart_token"`
	SectionsURL    string `json:"sections_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// Fingerprint presents a browser TLS handshake. Defaults to on.
	Fingerprint *bool `json:"fingerprint,omitempty"`
}

// WidgetSettings configures the gift widget. Dataset uses the widget's data
// attribute names ("cart-threshold", "gift-variant-ids", ...) so a page's
// markup can be pasted in as-is.
type WidgetSettings struct {
	SchemaVersion     string            `json:"schema_version"`
	Dataset           map[string]string `json:"dataset"`
	ThresholdAmount   string            `json:"threshold_amount,omitempty"` // "50.00"; overrides cart-threshold
	RemovalIntervalMS *int              `json:"removal_interval_ms,omitempty"`
	SettleDelayMS     *int              `json:"settle_delay_ms,omitempty"`
}

// KafkaConfig enables forwarding gift events. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// Enabled reports whether gift events should be forwarded.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// datasetEnv maps environment variables onto widget data attributes.
var datasetEnv = map[string]string{
	"GWP_SECTION_ID":              "section-id",
	"GWP_CART_SECTION_IDS":        "cart-section-ids",
	"GWP_SECTIONS_URL":            "sections-url",
	"GWP_CART_THRESHOLD":          "cart-threshold",
	"GWP_STANDARD_ENABLED":        "standard-enabled",
	"GWP_GIFT_VARIANT_IDS":        "gift-variant-ids",
	"GWP_VIP_ENABLED":             "vip-enabled",
	"GWP_IS_VIP":                  "is-vip",
	"GWP_VIP_TAG":                 "vip-tag",
	"GWP_CUSTOMER_TAGS":           "customer-tags",
	"GWP_VIP_VARIANT_ID":          "vip-variant-id",
	"GWP_CURRENT_GIFT_VARIANT_ID": "current-gift-variant-id",
	"GWP_HAS_GIFT_IN_CART":        "has-gift-in-cart",
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) → ENV vars / Secret Manager.
// Validates all required fields and returns an error if any are missing.
func Load(ctx context.Context) (*Config, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	cfg := &Config{
		Port:        envOrDefault("PORT", "8080"),
		Environment: envOrDefault("ENVIRONMENT", "development"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		GCPProject:  os.Getenv("GCP_PROJECT"),
		StoreID:     os.Getenv("STORE_ID"),
		Widget:      widgetFromEnv(),
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   os.Getenv("KAFKA_TOPIC"),
		},
	}

	var err error
	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		if cfg.StoreID == "" {
			return nil, fmt.Errorf("STORE_ID required in production environment")
		}
		err = cfg.loadFromSecretManager(ctx)
	} else {
		cfg.loadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("loading store config: %w", err)
	}

	return cfg.finish()
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig struct {
		Port        string         `json:"port"`
		Environment string         `json:"environment"`
		LogLevel    string         `json:"log_level"`
		StoreID     string         `json:"store_id"`
		Store       StoreConfig    `json:"store"`
		Widget      WidgetSettings `json:"widget"`
		Kafka       KafkaConfig    `json:"kafka"`
	}
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := &Config{
		Port:        withDefault(fileConfig.Port, "8080"),
		Environment: withDefault(fileConfig.Environment, "development"),
		LogLevel:    withDefault(fileConfig.LogLevel, "info"),
		StoreID:     fileConfig.StoreID,
		Store:       fileConfig.Store,
		Widget:      fileConfig.Widget,
		Kafka:       fileConfig.Kafka,
	}
	return cfg.finish()
}

// finish fills derived fields and validates.
func (c *Config) finish() (*Config, error) {
	if c.Store.StoreDomain == "" && c.Store.StoreURL != "" {
		c.Store.StoreDomain = extractDomain(c.Store.StoreURL)
	}
	if c.Widget.SchemaVersion == "" {
		c.Widget.SchemaVersion = SchemaMajor
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// loadFromSecretManager fetches store config from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{store_id}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.StoreID)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	if err := json.Unmarshal(result.Payload.Data, &c.Store); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	return nil
}

// loadFromEnv reads store config from individual environment variables.
func (c *Config) loadFromEnv() {
	c.Store = StoreConfig{
		StoreURL:    os.Getenv("STORE_URL"),
		StoreDomain: os.Getenv("STORE_DOMAIN"),
		CartToken:   os.Getenv("CART_TOKEN"),
		SectionsURL: os.Getenv("SECTIONS_URL"),
	}
	if v, err := strconv.Atoi(os.Getenv("STORE_TIMEOUT_SECONDS")); err == nil {
		c.Store.TimeoutSeconds = v
	}
	if v, err := strconv.ParseBool(os.Getenv("STORE_FINGERPRINT")); err == nil {
		c.Store.Fingerprint = &v
	}
}

// widgetFromEnv collects GWP_* variables into widget settings.
func widgetFromEnv() WidgetSettings {
	w := WidgetSettings{
		SchemaVersion:   os.Getenv("GWP_SCHEMA_VERSION"),
		ThresholdAmount: os.Getenv("GWP_THRESHOLD_AMOUNT"),
		Dataset:         make(map[string]string),
	}
	for env, key := range datasetEnv {
		if v := os.Getenv(env); v != "" {
			w.Dataset[key] = v
		}
	}
	if v, err := strconv.Atoi(os.Getenv("GWP_REMOVAL_INTERVAL_MS")); err == nil {
		w.RemovalIntervalMS = &v
	}
	if v, err := strconv.Atoi(os.Getenv("GWP_SETTLE_DELAY_MS")); err == nil {
		w.SettleDelayMS = &v
	}
	return w
}

// validate checks that all required configuration fields are present.
func (c *Config) validate() error {
	if c.Store.StoreURL == "" {
		return fmt.Errorf("store_url is required")
	}
	u, err := url.Parse(c.Store.StoreURL)
	if err != nil {
		return fmt.Errorf("invalid store_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid store_url: scheme must be http or https")
	}
	if c.Store.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}

	v := c.Widget.SchemaVersion
	if !semver.IsValid(v) {
		return fmt.Errorf("widget schema_version %q is not a valid semantic version", v)
	}
	if semver.Major(v) != SchemaMajor {
		return fmt.Errorf("widget schema_version %s is not supported (want %s.x)", v, SchemaMajor)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}

	if _, _, err := c.BuildWidgetConfig(); err != nil {
		return fmt.Errorf("widget: %w", err)
	}
	return nil
}

// BuildWidgetConfig creates the immutable widget configuration and the seed
// state the page rendered with.
func (c *Config) BuildWidgetConfig() (*model.WidgetConfig, model.Seed, error) {
	dataset := make(map[string]string, len(c.Widget.Dataset)+1)
	for k, v := range c.Widget.Dataset {
		dataset[k] = v
	}
	if c.Widget.ThresholdAmount != "" {
		dataset["cart-threshold"] = strconv.FormatInt(model.ParseCents(c.Widget.ThresholdAmount), 10)
	}
	if dataset["sections-url"] == "" && c.Store.SectionsURL != "" {
		dataset["sections-url"] = c.Store.SectionsURL
	}

	wc, seed, err := model.ParseDataset(dataset)
	if err != nil {
		return nil, model.Seed{}, err
	}
	if ms := c.Widget.RemovalIntervalMS; ms != nil {
		wc.RemovalInterval = time.Duration(*ms) * time.Millisecond
	}
	if ms := c.Widget.SettleDelayMS; ms != nil {
		wc.SettleDelay = time.Duration(*ms) * time.Millisecond
	}
	if err := wc.Validate(); err != nil {
		return nil, model.Seed{}, err
	}
	return wc, seed, nil
}

// UseFingerprint reports whether the storefront client should present a
// browser TLS fingerprint.
func (c *Config) UseFingerprint() bool {
	return c.Store.Fingerprint == nil || *c.Store.Fingerprint
}

// StoreTimeout returns the per-call storefront timeout, zero for the default.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// extractDomain parses the domain from a URL string.
func extractDomain(storeURL string) string {
	u, err := url.Parse(storeURL)
	if err != nil {
		domain := strings.TrimPrefix(storeURL, "https://")
		domain = strings.TrimPrefix(domain, "http://")
		return strings.Split(domain, "/")[0]
	}
	return u.Host
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
