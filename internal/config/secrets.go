package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "carllm", "secrets.json")
}

// secretsFile reads secrets from a JSON file of the form
// {"service": {"account": "value"}}, kept outside the config file so that
// `config show` and `config set` never touch it.
type secretsFile struct {
	path string
}

func (f secretsFile) Get(service, account string) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

// Set stores a secret, creating the file with owner-only permissions.
func (f secretsFile) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(f.path)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// SetAPIKey stores the OpenRouter API key in the secrets file.
func SetAPIKey(key string) error {
	return secretsFile{path: secretsFilePath()}.Set("carllm", "openrouter_api_key", key)
}

// APIToken returns the bearer token the CLI sends to the server, from
// CARLLM_API_TOKEN or the secrets file.
func APIToken() (string, error) {
	return apiToken(secretsFile{path: secretsFilePath()})
}

func apiToken(secrets secretStore) (string, error) {
	if tok := os.Getenv("CARLLM_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := secrets.Get("carllm", "api_token")
	if err != nil || tok == "" {
		return "", fmt.Errorf("no API token: run `carllm user add --save` or set CARLLM_API_TOKEN")
	}
	return tok, nil
}

// SetAPIToken stores the CLI bearer token in the secrets file.
func SetAPIToken(token string) error {
	return secretsFile{path: secretsFilePath()}.Set("carllm", "api_token", token)
}
