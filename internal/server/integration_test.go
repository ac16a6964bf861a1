package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/MarcoPoloResearchLab/chirp/internal/auth"
	"github.com/MarcoPoloResearchLab/chirp/internal/client"
	"github.com/MarcoPoloResearchLab/chirp/internal/database"
	"github.com/MarcoPoloResearchLab/chirp/internal/metrics"
	"github.com/MarcoPoloResearchLab/chirp/internal/posts"
	"github.com/MarcoPoloResearchLab/chirp/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	integrationSecret = "integration-secret"
	integrationCookie = "chirp_session"
)

type integrationStack struct {
	server *httptest.Server
	issuer *auth.SessionIssuer
	events *FeedDispatcher
}

func newIntegrationStack(t *testing.T) *integrationStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "chirp.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	postStore, err := posts.NewStore(posts.StoreConfig{Database: db, Clock: time.Now, IDProvider: posts.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("failed to build post store: %v", err)
	}
	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	counterStore, err := ratelimit.NewSQLStore(db, time.Now)
	if err != nil {
		t.Fatalf("failed to build counter store: %v", err)
	}
	registry := metrics.New()
	gate, err := ratelimit.NewGate(ratelimit.GateConfig{Store: counterStore, Recorder: registry, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	router, err := api.NewRouter(api.RouterConfig{
		Posts:    postStore,
		Users:    directory,
		Limiter:  gate,
		Observer: registry,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build procedure router: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(integrationSecret),
		CookieName:    integrationCookie,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(integrationSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	events := NewFeedDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Procedures: router,
		Sessions:   validator,
		Users:      directory,
		Events:     events,
		Metrics:    registry,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &integrationStack{server: server, issuer: issuer, events: events}
}

func (s *integrationStack) session(t *testing.T, userID, username string) *client.Session {
	t.Helper()
	token := ""
	if userID != "" {
		issued, _, err := s.issuer.IssueSession(auth.SessionClaims{UserID: userID, Username: username})
		if err != nil {
			t.Fatalf("failed to issue session: %v", err)
		}
		token = issued
	}
	session, err := client.NewSession(client.SessionConfig{
		BaseURL:      s.server.URL,
		HTTPClient:   s.server.Client(),
		CookieName:   integrationCookie,
		SessionToken: token,
	})
	if err != nil {
		t.Fatalf("failed to build client session: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestIntegrationCreatedPostAppearsAtHeadOfFeed(t *testing.T) {
	stack := newIntegrationStack(t)
	session := stack.session(t, "user-ada", "ada")
	ctx := context.Background()

	if _, err := session.CreatePost(ctx, "first"); err != nil {
		t.Fatalf("failed to create first post: %v", err)
	}
	before, err := session.Feed(ctx)
	if err != nil {
		t.Fatalf("failed to read feed: %v", err)
	}
	if len(before) != 1 {
		t.Fatalf("expected one post, got %d", len(before))
	}

	time.Sleep(5 * time.Millisecond)
	created, err := session.CreatePost(ctx, "  hello world  ")
	if err != nil {
		t.Fatalf("failed to create post: %v", err)
	}
	if created.Content != "  hello world  " {
		t.Fatalf("expected content stored as sent, got %q", created.Content)
	}

	after, err := session.Feed(ctx)
	if err != nil {
		t.Fatalf("failed to read feed: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected two posts after create, got %d", len(after))
	}
	if after[0].Post.ID != created.ID {
		t.Fatalf("expected new post at head, got %s", after[0].Post.ID)
	}
	occurrences := 0
	for _, item := range after {
		if item.Post.ID == created.ID {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Fatalf("expected new post exactly once, got %d", occurrences)
	}
	if after[0].Author.Username != "ada" {
		t.Fatalf("expected author username ada, got %q", after[0].Author.Username)
	}

	byAuthor, err := session.PostsByAuthor(ctx, "user-ada")
	if err != nil {
		t.Fatalf("failed to read author feed: %v", err)
	}
	if len(byAuthor) != 2 || byAuthor[0].Post.ID != created.ID {
		t.Fatalf("unexpected author feed: %+v", byAuthor)
	}
}

func TestIntegrationAnonymousCreateIsUnauthenticated(t *testing.T) {
	stack := newIntegrationStack(t)
	session := stack.session(t, "", "")

	_, err := session.CreatePost(context.Background(), "hello")
	if rpc.CodeOf(err) != rpc.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestIntegrationMissingPostRendersNotFoundPage(t *testing.T) {
	stack := newIntegrationStack(t)
	session := stack.session(t, "", "")

	page, err := session.LoadPage(context.Background(), "/pages/post/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Name != client.PageNotFound {
		t.Fatalf("expected not_found page, got %q", page.Name)
	}
	if len(page.State.Entries) != 0 {
		t.Fatalf("expected empty state, got %d entries", len(page.State.Entries))
	}
}

func TestIntegrationProfilePageHydratesBothQueries(t *testing.T) {
	stack := newIntegrationStack(t)
	author := stack.session(t, "user-grace", "grace")
	ctx := context.Background()
	if _, err := author.CreatePost(ctx, "compilers are fun"); err != nil {
		t.Fatalf("failed to create post: %v", err)
	}

	reader := stack.session(t, "", "")
	page, err := reader.LoadPage(ctx, "/pages/profile/user-grace")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Name != pageProfile {
		t.Fatalf("expected profile page, got %q", page.Name)
	}
	if len(page.State.Entries) != 2 {
		t.Fatalf("expected two hydrated entries, got %d", len(page.State.Entries))
	}

	profile, err := reader.Profile(ctx, "user-grace")
	if err != nil {
		t.Fatalf("failed to read profile: %v", err)
	}
	if profile.Username != "grace" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	feed, err := reader.PostsByAuthor(ctx, "user-grace")
	if err != nil {
		t.Fatalf("failed to read author feed: %v", err)
	}
	if len(feed) != 1 || feed[0].Post.Content != "compilers are fun" {
		t.Fatalf("unexpected author feed %+v", feed)
	}
}

func TestIntegrationRateLimitedCreateCarriesRetryAfter(t *testing.T) {
	stack := newIntegrationStack(t)
	token, _, err := stack.issuer.IssueSession(auth.SessionClaims{UserID: "user-burst", Username: "burst"})
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}

	var last *http.Response
	for attempt := 0; attempt < ratelimit.DefaultMaxCount+1; attempt++ {
		request, err := http.NewRequest(http.MethodPost, stack.server.URL+"/rpc/posts.create", strings.NewReader(`{"content":"burst"}`))
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Content-Type", "application/json")
		request.AddCookie(&http.Cookie{Name: integrationCookie, Value: token})
		response, err := stack.server.Client().Do(request)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
		if attempt < ratelimit.DefaultMaxCount && response.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", attempt, response.StatusCode)
		}
		last = response
	}

	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestIntegrationFeedEventsDeliverCreatedPosts(t *testing.T) {
	stack := newIntegrationStack(t)
	watcher := stack.session(t, "", "")
	author := stack.session(t, "user-linus", "linus")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feedBefore, err := watcher.Feed(ctx)
	if err != nil {
		t.Fatalf("failed to read feed: %v", err)
	}
	if len(feedBefore) != 0 {
		t.Fatalf("expected empty feed, got %d", len(feedBefore))
	}

	var wg sync.WaitGroup
	watchErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchErr <- watcher.WatchFeed(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for stack.events.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	created, err := author.CreatePost(ctx, "patch incoming")
	if err != nil {
		t.Fatalf("failed to create post: %v", err)
	}

	for {
		if err := watcher.Settle(ctx); err != nil {
			t.Fatalf("settle failed: %v", err)
		}
		feed, err := watcher.Feed(ctx)
		if err != nil {
			t.Fatalf("failed to read feed: %v", err)
		}
		if len(feed) == 1 && feed[0].Post.ID == created.ID {
			break
		}
		if time.Now().After(deadline.Add(2 * time.Second)) {
			t.Fatalf("watcher feed never picked up the new post")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	wg.Wait()
	if err := <-watchErr; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected watch error: %v", err)
	}
}

func TestIntegrationMetricsEndpointExposesCallCounters(t *testing.T) {
	stack := newIntegrationStack(t)
	session := stack.session(t, "", "")
	if _, err := session.Feed(context.Background()); err != nil {
		t.Fatalf("failed to read feed: %v", err)
	}

	response, err := stack.server.Client().Get(stack.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(body), `chirp_rpc_calls_total{code="ok",procedure="posts.getAll"} 1`) {
		t.Fatalf("expected posts.getAll counter in scrape, got:\n%s", body)
	}
}
