package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	chorusdb "github.com/voxpool/chorus/internal/db"
	"github.com/voxpool/chorus/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := chorusdb.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	return cmd, buf
}

func TestAssistantCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"assistant", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("assistant --help failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"list", "add", "remove"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestAssistantList_Empty(t *testing.T) {
	gdb := openTestDB(t)
	cmd, buf := testCmd()

	if err := runAssistantList(cmd, gdb); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No assistants in the pool") {
		t.Errorf("output = %s", buf.String())
	}
}

func TestAssistantList_NeverShowsSessionBlob(t *testing.T) {
	gdb := openTestDB(t)
	if err := gdb.Create(&models.Assistant{
		ID:          "a1",
		SessionBlob: "secret-token-a1",
		DisplayName: "Helper One",
		IsActive:    true,
		Health:      models.HealthAuthorised,
	}).Error; err != nil {
		t.Fatal(err)
	}

	cmd, buf := testCmd()
	if err := runAssistantList(cmd, gdb); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "a1") || !strings.Contains(out, "Helper One") {
		t.Errorf("output missing assistant row: %s", out)
	}
	if strings.Contains(out, "secret-token-a1") {
		t.Errorf("session blob leaked into output: %s", out)
	}
}

func TestAssistantAdd_EmptyToken(t *testing.T) {
	gdb := openTestDB(t)
	cmd, _ := testCmd()

	err := runAssistantAdd(cmd, gdb, func(*cobra.Command) (string, error) {
		return "", nil
	})
	if err == nil || !strings.Contains(err.Error(), "token is empty") {
		t.Fatalf("err = %v, want empty-token error", err)
	}
}

func TestAssistantRemove(t *testing.T) {
	gdb := openTestDB(t)
	if err := gdb.Create(&models.Assistant{
		ID:          "a1",
		SessionBlob: "secret-token-a1",
		IsActive:    true,
		Health:      models.HealthAuthorised,
	}).Error; err != nil {
		t.Fatal(err)
	}

	cmd, buf := testCmd()
	if err := runAssistantRemove(cmd, gdb, "a1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if !strings.Contains(buf.String(), "deactivated") {
		t.Errorf("output = %s", buf.String())
	}

	var a models.Assistant
	if err := gdb.First(&a, "id = ?", "a1").Error; err != nil {
		t.Fatal(err)
	}
	if a.IsActive || a.Health != models.HealthDeactivated {
		t.Errorf("assistant = active:%v health:%s, want deactivated", a.IsActive, a.Health)
	}
	if a.SessionBlob != "secret-token-a1" {
		t.Errorf("session blob should survive deactivation")
	}
}

func TestAssistantRemove_NotFound(t *testing.T) {
	gdb := openTestDB(t)
	cmd, _ := testCmd()

	err := runAssistantRemove(cmd, gdb, "ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not-found error", err)
	}
}
