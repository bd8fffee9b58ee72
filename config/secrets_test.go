package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strongSecret = strings.Repeat("R4nd0mBytes-", 4)

func TestEnvSecretManager(t *testing.T) {
	manager := &EnvSecretManager{}
	t.Setenv("ATTACKMATRIX_SESSION_SECRET", strongSecret)

	value, err := manager.GetSecret(context.Background(), SecretKeySessionSecret)
	require.NoError(t, err)
	assert.Equal(t, strongSecret, value)

	_, err = manager.GetSecret(context.Background(), "definitely_unset_key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func newVaultServer(t *testing.T, payload map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/attackmatrix" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "vault-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": payload})
	}))
	t.Cleanup(server.Close)
	return server
}

func vaultConfig(address string) *Config {
	cfg := newTestConfig()
	cfg.Secrets.Provider = "vault"
	cfg.Secrets.Vault.Address = address
	cfg.Secrets.Vault.Token = "vault-token"
	cfg.Secrets.Vault.Path = "secret/data/attackmatrix"
	return &cfg
}

func TestVaultSecretManager_KVv2(t *testing.T) {
	server := newVaultServer(t, map[string]interface{}{
		"data": map[string]interface{}{SecretKeySessionSecret: strongSecret},
	})

	manager, err := NewVaultSecretManager(vaultConfig(server.URL))
	require.NoError(t, err)

	value, err := manager.GetSecret(context.Background(), SecretKeySessionSecret)
	require.NoError(t, err)
	assert.Equal(t, strongSecret, value)

	_, err = manager.GetSecret(context.Background(), SecretKeyAdminPassword)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVaultSecretManager_NonStringValue(t *testing.T) {
	server := newVaultServer(t, map[string]interface{}{SecretKeySessionSecret: 42})

	manager, err := NewVaultSecretManager(vaultConfig(server.URL))
	require.NoError(t, err)

	_, err = manager.GetSecret(context.Background(), SecretKeySessionSecret)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

func newAWSServer(t *testing.T, secretString string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secretsmanager.GetSecretValue", r.Header.Get("X-Amz-Target"))

		var input struct {
			SecretId string
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, "attackmatrix/test", input.SecretId)

		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"ARN":          "arn:aws:secretsmanager:us-east-1:000000000000:secret:attackmatrix/test",
			"Name":         "attackmatrix/test",
			"SecretString": secretString,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func awsConfig(endpoint string) *Config {
	cfg := newTestConfig()
	cfg.Secrets.Provider = "aws"
	cfg.Secrets.AWS.Region = "us-east-1"
	cfg.Secrets.AWS.AccessKey = "AKIDEXAMPLE"
	cfg.Secrets.AWS.SecretKey = "wJalrXUtnFEMI"
	cfg.Secrets.AWS.SecretID = "attackmatrix/test"
	cfg.Secrets.AWS.Endpoint = endpoint
	return &cfg
}

func TestAWSSecretManager(t *testing.T) {
	server := newAWSServer(t, `{"session_secret":"`+strongSecret+`","admin_password":"Adm1nPassw0rd"}`)

	manager, err := NewAWSSecretManager(awsConfig(server.URL))
	require.NoError(t, err)

	value, err := manager.GetSecret(context.Background(), SecretKeyAdminPassword)
	require.NoError(t, err)
	assert.Equal(t, "Adm1nPassw0rd", value)

	_, err = manager.GetSecret(context.Background(), "other")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestAWSSecretManager_MalformedSecret(t *testing.T) {
	server := newAWSServer(t, "not json")

	manager, err := NewAWSSecretManager(awsConfig(server.URL))
	require.NoError(t, err)

	_, err = manager.GetSecret(context.Background(), SecretKeySessionSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestNewSecretManager(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default env", func(c *Config) {}, false},
		{"explicit env", func(c *Config) { c.Secrets.Provider = "ENV" }, false},
		{"vault without address", func(c *Config) { c.Secrets.Provider = "vault" }, true},
		{"aws without region", func(c *Config) { c.Secrets.Provider = "aws" }, true},
		{"unknown", func(c *Config) { c.Secrets.Provider = "gcp" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.mutate(&cfg)
			manager, err := NewSecretManager(&cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &EnvSecretManager{}, manager)
		})
	}
}

func TestLoadSecrets_FillsOnlyEmptyFields(t *testing.T) {
	server := newAWSServer(t, `{"session_secret":"`+strongSecret+`","admin_password":"FromStore1"}`)

	cfg := awsConfig(server.URL)
	cfg.Auth.AdminPassword = "FromConfig1"
	require.NoError(t, LoadSecrets(cfg))

	assert.Equal(t, strongSecret, cfg.Auth.SessionSecret)
	assert.Equal(t, "FromConfig1", cfg.Auth.AdminPassword)
}

func TestLoadSecrets_MissingKeysAreOptional(t *testing.T) {
	server := newVaultServer(t, map[string]interface{}{"unrelated": "value"})

	cfg := vaultConfig(server.URL)
	require.NoError(t, LoadSecrets(cfg))
	assert.Empty(t, cfg.Auth.SessionSecret)
	assert.Empty(t, cfg.Auth.AdminPassword)
}

func TestLoadSecrets_StoreFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":["permission denied"]}`, http.StatusForbidden)
	}))
	defer server.Close()

	err := LoadSecrets(vaultConfig(server.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), SecretKeySessionSecret)
}
