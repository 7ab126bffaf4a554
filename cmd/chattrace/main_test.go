package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
}

func TestRunConfigWithoutSubcommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runConfig(nil, &out, &errOut); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "config validate") {
		t.Fatalf("usage output missing: %q", errOut.String())
	}
}

func TestConfigValidateAcceptsValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chattrace.yaml")
	contents := `
provider:
  api_key: sk-test
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runConfigValidate([]string{"--config", path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0 (stderr %q)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config is valid") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestConfigValidateRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chattrace.yaml")
	contents := `
server:
  port: -1
provider:
  api_key: sk-test
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runConfigValidate([]string{"--config", path}, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "server.port") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

func TestConfigValidateRejectsPositionalArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runConfigValidate([]string{"extra"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
}
