package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Model != "anthropic" || cfg.Agents.MaxIterations != 50 {
		t.Fatalf("defaults: %+v", cfg.Agents)
	}
	if cfg.Tools.ExecTimeoutSeconds != 300 {
		t.Fatalf("tool defaults: %+v", cfg.Tools)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// the swarm model
		agents: {
			model: "openai/gpt-4o",
			max_iterations: 25,
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Model != "openai/gpt-4o" || cfg.Agents.MaxIterations != 25 {
		t.Fatalf("parsed: %+v", cfg.Agents)
	}
	// Untouched fields keep their defaults.
	if cfg.Agents.MaxParallelTools != 5 {
		t.Fatalf("default lost: %+v", cfg.Agents)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{agents: {model: "from-file"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NANOSWARM_MODEL", "anthropic/claude-sonnet-4-5-20250929")
	t.Setenv("NANOSWARM_MAX_ITERATIONS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Model != "anthropic/claude-sonnet-4-5-20250929" {
		t.Fatalf("env must win: %s", cfg.Agents.Model)
	}
	if cfg.Agents.MaxIterations != 7 {
		t.Fatalf("env int override: %d", cfg.Agents.MaxIterations)
	}
}

func TestLoadKeysMergesFileOverEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // isolate from a real auth.json
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "openai-env")

	path := filepath.Join(t.TempDir(), "keys.json")
	content := `{
		"anthropic": "from-file",
		"Groq": {"type": "api", "key": "groq-key"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	keys, err := LoadKeys(path)
	if err != nil {
		t.Fatal(err)
	}
	if keys["anthropic"] != "from-file" {
		t.Fatalf("explicit file must beat env: %q", keys["anthropic"])
	}
	if keys["openai"] != "openai-env" {
		t.Fatalf("env fallback lost: %q", keys["openai"])
	}
	if keys["groq"] != "groq-key" {
		t.Fatalf("object credential form: %q", keys["groq"])
	}
}

func TestSaveAuthModes(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := SaveAuth(map[string]string{"anthropic": "sk-test"}); err != nil {
		t.Fatal(err)
	}

	path := authPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("auth.json mode: %o", info.Mode().Perm())
	}

	keys, err := LoadKeys("")
	if err != nil {
		t.Fatal(err)
	}
	if keys["anthropic"] != "sk-test" {
		t.Fatalf("round trip: %q", keys["anthropic"])
	}
}
