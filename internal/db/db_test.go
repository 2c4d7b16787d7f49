package db

import (
	"strings"
	"testing"

	"github.com/voxpool/chorus/internal/config"
	"github.com/voxpool/chorus/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Database
		want string
	}{
		{
			name: "no password",
			cfg:  config.Database{User: "root", Host: "127.0.0.1", Port: 3306, Database: "chorus"},
			want: "root@tcp(127.0.0.1:3306)/chorus?parseTime=true",
		},
		{
			name: "with password",
			cfg:  config.Database{User: "app", Password: "s3cret", Host: "db", Port: 3307, Database: "chorus"},
			want: "app:s3cret@tcp(db:3307)/chorus?parseTime=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 6 {
		t.Errorf("AllModels returned %d models, want 6", got)
	}
}

func TestAutoMigrate_SQLite(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	// Round-trip an assistant row through the migrated schema.
	a := models.Assistant{
		ID:          "4242",
		SessionBlob: "blob",
		DisplayName: "Helper One",
		Health:      models.HealthAuthorised,
		IsActive:    true,
	}
	if err := gdb.Create(&a).Error; err != nil {
		t.Fatalf("create assistant: %v", err)
	}
	var got models.Assistant
	if err := gdb.First(&got, "id = ?", "4242").Error; err != nil {
		t.Fatalf("load assistant: %v", err)
	}
	if got.DisplayName != "Helper One" || !got.IsActive {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	// Unique (group, user) pair on authorized users.
	if err := gdb.Create(&models.AuthorizedUser{GroupID: "g1", UserID: "u1"}).Error; err != nil {
		t.Fatalf("create authorized user: %v", err)
	}
	err = gdb.Create(&models.AuthorizedUser{GroupID: "g1", UserID: "u1"}).Error
	if err == nil {
		t.Error("expected unique constraint violation for duplicate (group, user)")
	} else if !strings.Contains(strings.ToLower(err.Error()), "unique") {
		t.Logf("duplicate insert failed with: %v", err)
	}
}
