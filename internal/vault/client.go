// Package vault loads exchange API credentials from a HashiCorp Vault KV v2
// secrets engine.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gridbot/config"

	"github.com/hashicorp/vault/api"
)

var (
	ErrDisabled = errors.New("vault: disabled")
	ErrNotFound = errors.New("vault: credentials not found")
)

// Credentials is the exchange key pair stored per instance
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*Credentials
}

// NewClient creates a new Vault client. A disabled config yields a client
// that only answers from its cache.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, cache: make(map[string]*Credentials)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GetCredentials reads the key pair of an instance
func (c *Client) GetCredentials(ctx context.Context, instanceID string, testnet bool) (*Credentials, error) {
	key := c.cacheKey(instanceID, testnet)
	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, ErrDisabled
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(instanceID, testnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  getString(data, "exchange"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: %s has an empty key", ErrNotFound, instanceID)
	}

	c.mu.Lock()
	c.cache[key] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes the key pair of an instance
func (c *Client) StoreCredentials(ctx context.Context, instanceID string, creds Credentials) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
				"exchange":   creds.Exchange,
				"is_testnet": creds.IsTestnet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(instanceID, creds.IsTestnet), secretData); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[c.cacheKey(instanceID, creds.IsTestnet)] = &creds
	c.mu.Unlock()
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func network(testnet bool) string {
	if testnet {
		return "testnet"
	}
	return "mainnet"
}

// secretPath returns <mount>/data/<prefix>/<instance>_<network>
func (c *Client) secretPath(instanceID string, testnet bool) string {
	return fmt.Sprintf("%s/data/%s/%s_%s", c.config.MountPath, c.config.SecretPath, instanceID, network(testnet))
}

func (c *Client) cacheKey(instanceID string, testnet bool) string {
	return instanceID + "_" + network(testnet)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
