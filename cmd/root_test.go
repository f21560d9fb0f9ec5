package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FABRIC_LOG_LEVEL", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	body := "log:\n  level: error\n  format: json\ndatabase:\n  url: " + filepath.Join(dir, "fabric.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "citadel-fabric version "+Version) || !strings.Contains(out, "protocol v1-v2") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"agent", "consume", "device-types", "points", "serve", "version"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestDeviceTypesAndPoints(t *testing.T) {
	cfg := testConfig(t)

	out, err := runCLI(t, "--config", cfg, "device-types", "seed")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !strings.Contains(out, "from built-in catalog") {
		t.Errorf("seed output = %q", out)
	}

	out, err = runCLI(t, "--config", cfg, "device-types", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "0x2684") || !strings.Contains(out, "RTX 4090") {
		t.Errorf("list output is missing the RTX 4090:\n%s", out)
	}

	out, err = runCLI(t, "--config", cfg, "points", "recompute")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !strings.Contains(out, "Recomputed 0 device-days") {
		t.Errorf("recompute output = %q", out)
	}

	out, err = runCLI(t, "--config", cfg, "points", "show", "--date", "2026-01-01")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "No points recorded for 2026-01-01") {
		t.Errorf("show output = %q", out)
	}

	if _, err := runCLI(t, "--config", cfg, "points", "show", "--date", "yesterday"); err == nil {
		t.Error("expected error for a malformed date")
	}
}

func TestCommandLine(t *testing.T) {
	c := &cobra.Command{Use: "serve"}
	var addr string
	var verbose bool
	c.Flags().StringVar(&addr, "tcp", "", "")
	c.Flags().BoolVar(&verbose, "verbose", false, "")
	c.Flags().BoolVar(&debugMode, "debug", false, "")
	if err := c.Flags().Parse([]string{"--tcp", ":9000", "--verbose", "--debug"}); err != nil {
		t.Fatal(err)
	}

	got := commandLine(c, []string{"extra"})
	if got != "serve --tcp=:9000 --verbose extra" {
		t.Errorf("commandLine = %q", got)
	}
	debugMode = false
}
