package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/MarcoPoloResearchLab/chirp/internal/posts"
	"github.com/MarcoPoloResearchLab/chirp/internal/querycache"
	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PageNotFound is the page name of a failed pre-render.
const PageNotFound = "not_found"

// Page is a pre-rendered page payload.
type Page struct {
	Name  string              `json:"page"`
	Props json.RawMessage     `json:"props,omitempty"`
	State querycache.Snapshot `json:"state"`
}

type SessionConfig struct {
	BaseURL      string
	HTTPClient   *http.Client
	CookieName   string
	SessionToken string
	Dialer       *websocket.Dialer
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Session is one client's view of the service: a transport plus the query cache whose
// lifetime matches the session.
type Session struct {
	transport *HTTPTransport
	cache     *querycache.Cache
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

func NewSession(cfg SessionConfig) (*Session, error) {
	transport, err := NewHTTPTransport(TransportConfig{
		BaseURL:      cfg.BaseURL,
		HTTPClient:   cfg.HTTPClient,
		CookieName:   cfg.CookieName,
		SessionToken: cfg.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := querycache.New(querycache.Config{
		Invoker: transport,
		Clock:   cfg.Clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Session{
		transport: transport,
		cache:     cache,
		dialer:    dialer,
		logger:    logger,
	}, nil
}

// Cache exposes the session's query cache.
func (s *Session) Cache() *querycache.Cache {
	return s.cache
}

// LoadPage fetches a pre-rendered page and hydrates its snapshot before returning. A failed
// pre-render yields the not-found page, not an error.
func (s *Session) LoadPage(ctx context.Context, path string) (Page, error) {
	request, err := s.transport.newRequest(ctx, http.MethodGet, path, http.NoBody)
	if err != nil {
		return Page{}, fmt.Errorf("client: build page request: %w", err)
	}
	response, err := s.transport.httpClient.Do(request)
	if err != nil {
		return Page{}, fmt.Errorf("client: load page %s: %w", path, err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Page{Name: PageNotFound}, nil
	default:
		return Page{}, fmt.Errorf("client: load page %s: unexpected status %d", path, response.StatusCode)
	}

	var page Page
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("client: decode page %s: %w", path, err)
	}

	hydrated := s.cache.Hydrate(page.State)
	s.logger.Debug("page hydrated", zap.String("page", page.Name), zap.Int("entries", hydrated))
	return page, nil
}

func (s *Session) Feed(ctx context.Context) ([]api.PostWithAuthor, error) {
	return querycache.Query(ctx, s.cache, api.PostsGetAll, rpc.Empty{})
}

func (s *Session) Post(ctx context.Context, postID string) (api.PostWithAuthor, error) {
	return querycache.Query(ctx, s.cache, api.PostsGetByID, api.GetPostInput{ID: postID})
}

func (s *Session) PostsByAuthor(ctx context.Context, userID string) ([]api.PostWithAuthor, error) {
	return querycache.Query(ctx, s.cache, api.PostsGetByUserID, api.PostsByUserInput{UserID: userID})
}

func (s *Session) Profile(ctx context.Context, userID string) (users.Author, error) {
	return querycache.Query(ctx, s.cache, api.ProfileGetUserByID, api.GetUserInput{UserID: userID})
}

// CreatePost runs the mutation and, only once it has succeeded, invalidates the global feed
// and the author's feed. The refetch runs in the background; the next read of either feed
// waits for it.
func (s *Session) CreatePost(ctx context.Context, content string) (posts.Post, error) {
	post, err := rpc.Invoke(ctx, s.transport, api.PostsCreate, api.CreatePostInput{Content: content})
	if err != nil {
		return posts.Post{}, err
	}
	s.invalidateFeeds(post.AuthorID)
	return post, nil
}

func (s *Session) invalidateFeeds(authorID string) {
	s.cache.Invalidate(querycache.MatchProcedure(api.ProcPostsGetAll))
	call, err := api.PostsGetByUserID.Call(api.PostsByUserInput{UserID: authorID})
	if err != nil {
		s.logger.Warn("author feed key encode failed", zap.String("author_id", authorID), zap.Error(err))
		return
	}
	s.cache.Invalidate(querycache.MatchCall(call))
}

// WatchFeed subscribes to the live feed stream and invalidates the affected feeds for every
// post-created event until ctx ends or the connection drops.
func (s *Session) WatchFeed(ctx context.Context) error {
	target := *s.transport.baseURL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target = *target.JoinPath("/events")

	header := http.Header{}
	s.transport.authorize(header)
	conn, _, err := s.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return fmt.Errorf("client: dial feed events: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var event api.FeedEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ctx.Err()
			}
			return fmt.Errorf("client: read feed event: %w", err)
		}
		if event.Type != api.EventPostCreated || strings.TrimSpace(event.AuthorID) == "" {
			continue
		}
		s.invalidateFeeds(event.AuthorID)
	}
}

// Settle waits for background refetches to finish.
func (s *Session) Settle(ctx context.Context) error {
	return s.cache.Settle(ctx)
}

func (s *Session) Close() {
	s.cache.Close()
}

// IsNotFound reports whether err is a not_found procedure failure.
func IsNotFound(err error) bool {
	var rpcErr *rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.Code() == rpc.CodeNotFound
}
