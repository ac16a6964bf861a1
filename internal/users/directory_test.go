package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDirectory(t *testing.T) (*Directory, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	return directory, db
}

func TestCurrentUserCreatesRecordFromClaims(t *testing.T) {
	directory, db := newTestDirectory(t)

	claims := auth.SessionClaims{
		UserID:          "user_abc",
		FirstName:       "Ada",
		ProfileImageURL: "https://img.example.com/ada.png",
	}
	user, err := directory.CurrentUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("current user failed: %v", err)
	}
	if user.ID != "user_abc" {
		t.Fatalf("unexpected id %q", user.ID)
	}
	if user.Username != nil {
		t.Fatalf("expected absent username, got %q", *user.Username)
	}

	// second call hits the cache and must not create a duplicate record.
	if _, err := directory.CurrentUser(context.Background(), claims); err != nil {
		t.Fatalf("second current user failed: %v", err)
	}
	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one user row, got %d", count)
	}
}

func TestCurrentUserRefreshesChangedProfile(t *testing.T) {
	directory, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := directory.CurrentUser(ctx, auth.SessionClaims{UserID: "user_abc"}); err != nil {
		t.Fatalf("initial current user failed: %v", err)
	}
	updated, err := directory.CurrentUser(ctx, auth.SessionClaims{UserID: "user_abc", Username: "ada"})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if updated.Username == nil || *updated.Username != "ada" {
		t.Fatalf("expected refreshed username, got %v", updated.Username)
	}

	stored, err := directory.GetUser(ctx, "user_abc")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if ProjectAuthor(stored).Username != "ada" {
		t.Fatalf("expected stored username to be refreshed")
	}
}

func TestCurrentUserRejectsBlankIdentity(t *testing.T) {
	directory, _ := newTestDirectory(t)
	if _, err := directory.CurrentUser(context.Background(), auth.SessionClaims{UserID: " "}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestGetUserReturnsNotFound(t *testing.T) {
	directory, _ := newTestDirectory(t)
	if _, err := directory.GetUser(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestGetUsersResolvesDistinctIdentifiers(t *testing.T) {
	directory, db := newTestDirectory(t)
	for _, id := range []string{"user_1", "user_2"} {
		if err := db.Create(&User{ID: id}).Error; err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	found, err := directory.GetUsers(context.Background(), []string{"user_1", "user_2", "user_1", "missing", ""})
	if err != nil {
		t.Fatalf("bulk lookup failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected two users, got %d", len(found))
	}
}

func TestCurrentUserComposesDisplayNames(t *testing.T) {
	directory, db := newTestDirectory(t)

	claims := auth.SessionClaims{UserID: "user_nfc", Username: " rene\u0301e ", FirstName: "Jose\u0301"}
	if _, err := directory.CurrentUser(context.Background(), claims); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored User
	if err := db.Where("id = ?", "user_nfc").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored user: %v", err)
	}
	if stored.Username == nil || *stored.Username != "ren\u00e9e" {
		t.Fatalf("expected composed username, got %v", stored.Username)
	}
	if stored.FirstName == nil || *stored.FirstName != "Jos\u00e9" {
		t.Fatalf("expected composed first name, got %v", stored.FirstName)
	}
}
