package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// credential accepts both a plain string and {type: "api", key: "..."}.
type credential struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func (c *credential) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Key = s
		return nil
	}
	type raw credential
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = credential(r)
	return nil
}

// envProviders are the providers probed for <PROVIDER>_API_KEY fallbacks.
var envProviders = []string{"anthropic", "openai", "openrouter", "deepseek", "groq"}

// LoadKeys resolves provider credentials, lowest precedence first:
// environment variables, then the user auth file, then an explicit
// keys.json. The returned map is provider name -> API key.
func LoadKeys(explicitPath string) (map[string]string, error) {
	keys := map[string]string{}

	for _, p := range envProviders {
		if v := os.Getenv(strings.ToUpper(p) + "_API_KEY"); v != "" {
			keys[p] = v
		}
	}

	if path := authPath(); path != "" {
		if err := mergeKeyFile(keys, path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if explicitPath != "" {
		if err := mergeKeyFile(keys, explicitPath); err != nil {
			return nil, fmt.Errorf("keys file: %w", err)
		}
	}
	return keys, nil
}

func authPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserDir, "auth.json")
}

func mergeKeyFile(keys map[string]string, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var creds map[string]credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for name, c := range creds {
		if c.Key != "" {
			keys[strings.ToLower(name)] = c.Key
		}
	}
	return nil
}

// SaveAuth writes the user auth file with owner-only permissions.
func SaveAuth(keys map[string]string) error {
	path := authPath()
	if path == "" {
		return fmt.Errorf("cannot resolve home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
