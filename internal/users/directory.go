package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates the directory has no record for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

// DirectoryConfig describes the dependencies required for user lookups.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory is the identity provider's user store: it resolves user records by id and records
// the profile carried by each verified session.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedIdentity struct {
	fingerprint string
	user        User
}

// NewDirectory constructs the user directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// GetUser returns the record for userID or ErrUserNotFound.
func (d *Directory) GetUser(ctx context.Context, userID string) (User, error) {
	identifier := normalize(userID)
	if identifier == "" {
		return User{}, ErrUserNotFound
	}
	var user User
	err := d.db.WithContext(ctx).Where("id = ?", identifier).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		d.logger.Error("user lookup failed", zap.String("user_id", identifier), zap.Error(err))
		return User{}, fmt.Errorf("users: lookup %s: %w", identifier, err)
	}
	return user, nil
}

// GetUsers resolves many identifiers in a single query. Unknown identifiers are omitted from
// the result; callers detect them by comparing ids.
func (d *Directory) GetUsers(ctx context.Context, userIDs []string) ([]User, error) {
	seen := make(map[string]struct{}, len(userIDs))
	identifiers := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		identifier := normalize(userID)
		if identifier == "" {
			continue
		}
		if _, duplicate := seen[identifier]; duplicate {
			continue
		}
		seen[identifier] = struct{}{}
		identifiers = append(identifiers, identifier)
	}
	if len(identifiers) == 0 {
		return []User{}, nil
	}

	var found []User
	if err := d.db.WithContext(ctx).Where("id IN ?", identifiers).Find(&found).Error; err != nil {
		d.logger.Error("bulk user lookup failed", zap.Int("count", len(identifiers)), zap.Error(err))
		return nil, fmt.Errorf("users: bulk lookup: %w", err)
	}
	return found, nil
}

// CurrentUser returns the record of the session's user, creating or refreshing it from the
// profile carried by the verified claims.
func (d *Directory) CurrentUser(ctx context.Context, claims auth.SessionClaims) (User, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return User{}, ErrInvalidIdentity
	}

	fingerprint := normalize(claims.Username) + "\x00" + normalize(claims.FirstName) + "\x00" + normalize(claims.ProfileImageURL)
	if cached, ok := d.cache.Load(userID); ok {
		identity, ok := cached.(cachedIdentity)
		if ok && identity.fingerprint == fingerprint {
			return identity.user, nil
		}
	}

	var user User
	err := d.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			ID:              userID,
			Username:        optional(claims.Username),
			FirstName:       optional(claims.FirstName),
			ProfileImageURL: normalize(claims.ProfileImageURL),
			LastSeenAt:      d.now(),
		}
		if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
			return User{}, fmt.Errorf("users: create %s: %w", userID, err)
		}
	} else if err != nil {
		return User{}, fmt.Errorf("users: lookup %s: %w", userID, err)
	} else {
		updates := map[string]interface{}{"last_seen_at": d.now()}
		if username := optional(claims.Username); username != nil && deref(user.Username) != *username {
			updates["username"] = *username
			user.Username = username
		}
		if firstName := optional(claims.FirstName); firstName != nil && deref(user.FirstName) != *firstName {
			updates["first_name"] = *firstName
			user.FirstName = firstName
		}
		if avatar := normalize(claims.ProfileImageURL); avatar != "" && avatar != user.ProfileImageURL {
			updates["profile_image_url"] = avatar
			user.ProfileImageURL = avatar
		}
		if err := d.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			d.logger.Warn("user profile refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	d.cache.Store(userID, cachedIdentity{fingerprint: fingerprint, user: user})
	return user, nil
}
