package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidLimit      = errors.New("limit must be positive")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "posts.store.new"
	opInsertPost        = "posts.insert_post"
	opListPosts         = "posts.list_posts"
	opGetPost           = "posts.get_post"
	opListPostsByAuthor = "posts.list_posts_by_author"

	orderNewestFirst = "created_at DESC, id DESC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists and reads posts.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// InsertPost persists a new post. Content has already been validated by its type.
func (s *Store) InsertPost(ctx context.Context, authorID AuthorID, content Content) (Post, error) {
	if s.db == nil {
		return Post{}, newServiceError(opInsertPost, "missing_database", errMissingDatabase)
	}

	postID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsertPost, "id_generation_failed", err, zap.String("author_id", authorID.String()))
		return Post{}, newServiceError(opInsertPost, "id_generation_failed", err)
	}

	post := Post{
		ID:        postID,
		Content:   content.String(),
		AuthorID:  authorID.String(),
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		s.logError(opInsertPost, "insert_failed", err,
			zap.String("author_id", authorID.String()),
			zap.String("post_id", postID))
		return Post{}, newServiceError(opInsertPost, "insert_failed", err)
	}
	return post, nil
}

// ListPosts returns up to limit posts, newest first.
func (s *Store) ListPosts(ctx context.Context, limit int) ([]Post, error) {
	if s.db == nil {
		return nil, newServiceError(opListPosts, "missing_database", errMissingDatabase)
	}
	if limit <= 0 {
		return nil, newServiceError(opListPosts, "invalid_limit", errInvalidLimit)
	}

	posts := make([]Post, 0)
	if err := s.db.WithContext(ctx).
		Order(orderNewestFirst).
		Limit(limit).
		Find(&posts).Error; err != nil {
		s.logError(opListPosts, "query_failed", err)
		return nil, newServiceError(opListPosts, "query_failed", err)
	}
	return posts, nil
}

// GetPost returns the post with the identifier or ErrPostNotFound.
func (s *Store) GetPost(ctx context.Context, postID string) (Post, error) {
	if s.db == nil {
		return Post{}, newServiceError(opGetPost, "missing_database", errMissingDatabase)
	}
	identifier := strings.TrimSpace(postID)
	if identifier == "" {
		return Post{}, ErrPostNotFound
	}

	var post Post
	err := s.db.WithContext(ctx).Where("id = ?", identifier).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, ErrPostNotFound
	}
	if err != nil {
		s.logError(opGetPost, "query_failed", err, zap.String("post_id", identifier))
		return Post{}, newServiceError(opGetPost, "query_failed", err)
	}
	return post, nil
}

// ListPostsByAuthor returns up to limit posts by one author, newest first. An author without
// posts yields an empty slice.
func (s *Store) ListPostsByAuthor(ctx context.Context, authorID AuthorID, limit int) ([]Post, error) {
	if s.db == nil {
		return nil, newServiceError(opListPostsByAuthor, "missing_database", errMissingDatabase)
	}
	if limit <= 0 {
		return nil, newServiceError(opListPostsByAuthor, "invalid_limit", errInvalidLimit)
	}

	posts := make([]Post, 0)
	if err := s.db.WithContext(ctx).
		Where("author_id = ?", authorID.String()).
		Order(orderNewestFirst).
		Limit(limit).
		Find(&posts).Error; err != nil {
		s.logError(opListPostsByAuthor, "query_failed", err, zap.String("author_id", authorID.String()))
		return nil, newServiceError(opListPostsByAuthor, "query_failed", err)
	}
	return posts, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("posts store error", attrs...)
}
