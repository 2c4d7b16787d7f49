package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestDBCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "create") {
		t.Errorf("expected help to list 'create' subcommand, got: %s", out)
	}
	if !strings.Contains(out, "migrate") {
		t.Errorf("expected help to list 'migrate' subcommand, got: %s", out)
	}
}

func TestDBCreateCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "create", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db create --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "MySQL database") {
		t.Errorf("expected help to mention 'MySQL database', got: %s", out)
	}
	if !strings.Contains(out, "chorus.yaml") {
		t.Errorf("expected default config path 'chorus.yaml', got: %s", out)
	}
}

func TestDBCreateCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "create", "--config", "/nonexistent/chorus.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestDBMigrateCmd_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := dir + "/chorus.yaml"
	if err := writeTestFile(cfgPath, "invalid: true\n"); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "migrate", "--config", cfgPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}
