package posts

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength bounds post content in Unicode code points.
const MaxContentLength = 280

const maxIdentifierLength = 190

var (
	// ErrInvalidContent indicates that post content is empty or too long.
	ErrInvalidContent = errors.New("posts: invalid content")
	// ErrInvalidAuthorID indicates that an author identifier is empty or exceeds storage bounds.
	ErrInvalidAuthorID = errors.New("posts: invalid author id")
	// ErrPostNotFound indicates that no post has the requested identifier.
	ErrPostNotFound = errors.New("posts: post not found")
)

// Content is post text that passed validation.
type Content string

// NewContent enforces the 1 to MaxContentLength bound on the text exactly as sent, counted in
// code points. The text is stored unchanged.
func NewContent(rawInput string) (Content, error) {
	if !utf8.ValidString(rawInput) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidContent)
	}
	length := utf8.RuneCountInString(rawInput)
	if length == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if length > MaxContentLength {
		return "", fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidContent, length, MaxContentLength)
	}
	return Content(rawInput), nil
}

// String returns the underlying text.
func (c Content) String() string {
	return string(c)
}

// AuthorID represents a validated author identifier.
type AuthorID string

// NewAuthorID validates raw input and returns an AuthorID.
func NewAuthorID(rawInput string) (AuthorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAuthorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAuthorID, maxIdentifierLength)
	}
	return AuthorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id AuthorID) String() string {
	return string(id)
}

// Post is an immutable short message.
type Post struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`
	AuthorID  string    `gorm:"column:author_id;size:190;not null;index:idx_posts_author_created,priority:1" json:"authorId"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_posts_created;index:idx_posts_author_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}
