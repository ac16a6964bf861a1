package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesBlankDisplayNames(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.User{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	blank := "   "
	named := "ada"
	records := []users.User{
		{ID: "user-1", Username: &blank, FirstName: &blank},
		{ID: "user-2", Username: &named},
	}
	if err := database.Create(&records).Error; err != nil {
		testContext.Fatalf("failed to insert users: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.User
	if err := database.Where("id = ?", "user-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if stored.Username != nil || stored.FirstName != nil {
		testContext.Fatalf("expected blank display names to be cleared, got %v / %v", stored.Username, stored.FirstName)
	}
	if author := users.ProjectAuthor(stored); author.Username != "user-1" {
		testContext.Fatalf("expected id fallback after migration, got %q", author.Username)
	}

	var untouched users.User
	if err := database.Where("id = ?", "user-2").Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if untouched.Username == nil || *untouched.Username != "ada" {
		testContext.Fatalf("expected populated username to survive, got %v", untouched.Username)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeBlankDisplayNames).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&users.User{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, nil); err != nil {
			testContext.Fatalf("attempt %d: failed to apply migrations: %v", attempt, err)
		}
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "chirp.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"posts", "users", "rate_limit_windows", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
