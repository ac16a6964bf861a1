package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/posts"
	"github.com/MarcoPoloResearchLab/chirp/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
	"go.uber.org/zap"
)

// DefaultPageSize caps every post listing.
const DefaultPageSize = 100

const unknownProcedureLabel = "unknown"

var (
	errMissingPostStore = errors.New("api: post store required")
	errMissingDirectory = errors.New("api: user directory required")
	errMissingLimiter   = errors.New("api: rate limiter required")
)

// PostStore is the storage collaborator.
type PostStore interface {
	InsertPost(ctx context.Context, authorID posts.AuthorID, content posts.Content) (posts.Post, error)
	ListPosts(ctx context.Context, limit int) ([]posts.Post, error)
	GetPost(ctx context.Context, postID string) (posts.Post, error)
	ListPostsByAuthor(ctx context.Context, authorID posts.AuthorID, limit int) ([]posts.Post, error)
}

// UserDirectory is the identity provider collaborator.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (users.User, error)
	GetUsers(ctx context.Context, userIDs []string) ([]users.User, error)
}

// RateLimiter admits mutations per acting user.
type RateLimiter interface {
	Admit(ctx context.Context, subjectID string) (ratelimit.Decision, error)
}

// CallObserver records completed procedure calls.
type CallObserver interface {
	ObserveProcedure(procedure string, code string, elapsed time.Duration)
}

type RouterConfig struct {
	Posts    PostStore
	Users    UserDirectory
	Limiter  RateLimiter
	PageSize int
	Observer CallObserver
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Router executes procedure calls in-process. It is the invoker behind both the HTTP
// transport and page pre-rendering.
type Router struct {
	posts    PostStore
	users    UserDirectory
	limiter  RateLimiter
	pageSize int
	observer CallObserver
	clock    func() time.Time
	logger   *zap.Logger
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Posts == nil {
		return nil, errMissingPostStore
	}
	if cfg.Users == nil {
		return nil, errMissingDirectory
	}
	if cfg.Limiter == nil {
		return nil, errMissingLimiter
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		posts:    cfg.Posts,
		users:    cfg.Users,
		limiter:  cfg.Limiter,
		pageSize: pageSize,
		observer: cfg.Observer,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Invoke dispatches call to its procedure. Every failure is an *rpc.Error.
func (r *Router) Invoke(ctx context.Context, call rpc.Call) (json.RawMessage, error) {
	started := r.clock()
	payload, err := r.dispatch(ctx, call)
	code := "ok"
	if err != nil {
		rpcErr := rpc.AsError(err)
		if rpcErr.Code() == rpc.CodeInternal {
			r.logger.Error("procedure failed",
				zap.String("procedure", string(call.Procedure)),
				zap.Error(err))
		}
		code = string(rpcErr.Code())
		err = rpcErr
	}
	if r.observer != nil {
		label := string(call.Procedure)
		if _, known := Procedures()[call.Procedure]; !known {
			label = unknownProcedureLabel
		}
		r.observer.ObserveProcedure(label, code, r.clock().Sub(started))
	}
	return payload, err
}

func (r *Router) dispatch(ctx context.Context, call rpc.Call) (json.RawMessage, error) {
	switch call.Procedure {
	case ProcPostsGetAll:
		return serve(ctx, call, PostsGetAll, r.listAll)
	case ProcPostsGetByID:
		return serve(ctx, call, PostsGetByID, r.getByID)
	case ProcPostsGetByUserID:
		return serve(ctx, call, PostsGetByUserID, r.listByAuthor)
	case ProcPostsCreate:
		return serve(ctx, call, PostsCreate, r.createPost)
	case ProcProfileGetUserByID:
		return serve(ctx, call, ProfileGetUserByID, r.getUserByID)
	default:
		return nil, rpc.NotFound(fmt.Sprintf("unknown procedure %q", call.Procedure))
	}
}

func serve[In, Out any](ctx context.Context, call rpc.Call, descriptor rpc.Descriptor[In, Out], handler func(context.Context, In) (Out, error)) (json.RawMessage, error) {
	input, err := descriptor.DecodeInput(call)
	if err != nil {
		return nil, err
	}
	output, err := handler(ctx, input)
	if err != nil {
		return nil, err
	}
	return descriptor.EncodeOutput(output)
}

func (r *Router) listAll(ctx context.Context, _ rpc.Empty) ([]PostWithAuthor, error) {
	found, err := r.posts.ListPosts(ctx, r.pageSize)
	if err != nil {
		return nil, rpc.UpstreamUnavailable("post store unavailable", err)
	}
	return r.attachAuthors(ctx, found)
}

func (r *Router) getByID(ctx context.Context, input GetPostInput) (PostWithAuthor, error) {
	post, err := r.posts.GetPost(ctx, input.ID)
	if errors.Is(err, posts.ErrPostNotFound) {
		return PostWithAuthor{}, rpc.NotFound("Post not found")
	}
	if err != nil {
		return PostWithAuthor{}, rpc.UpstreamUnavailable("post store unavailable", err)
	}

	user, err := r.users.GetUser(ctx, post.AuthorID)
	if errors.Is(err, users.ErrUserNotFound) {
		return PostWithAuthor{}, rpc.NotFound("Post author not found")
	}
	if err != nil {
		return PostWithAuthor{}, rpc.UpstreamUnavailable("identity provider unavailable", err)
	}
	return PostWithAuthor{Post: post, Author: users.ProjectAuthor(user)}, nil
}

func (r *Router) listByAuthor(ctx context.Context, input PostsByUserInput) ([]PostWithAuthor, error) {
	authorID, err := posts.NewAuthorID(input.UserID)
	if err != nil {
		return nil, rpc.InvalidArgument("invalid user id", rpc.FieldViolation{
			Field:       "userId",
			Description: "must be a non-empty identifier",
		})
	}
	found, err := r.posts.ListPostsByAuthor(ctx, authorID, r.pageSize)
	if err != nil {
		return nil, rpc.UpstreamUnavailable("post store unavailable", err)
	}
	return r.attachAuthors(ctx, found)
}

// attachAuthors resolves the distinct authors of found with one directory lookup. A post whose
// author cannot be resolved fails the whole call.
func (r *Router) attachAuthors(ctx context.Context, found []posts.Post) ([]PostWithAuthor, error) {
	result := make([]PostWithAuthor, 0, len(found))
	if len(found) == 0 {
		return result, nil
	}

	authorIDs := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, post := range found {
		if _, ok := seen[post.AuthorID]; ok {
			continue
		}
		seen[post.AuthorID] = struct{}{}
		authorIDs = append(authorIDs, post.AuthorID)
	}

	resolved, err := r.users.GetUsers(ctx, authorIDs)
	if err != nil {
		return nil, rpc.UpstreamUnavailable("identity provider unavailable", err)
	}
	authors := make(map[string]users.Author, len(resolved))
	for _, user := range resolved {
		authors[user.ID] = users.ProjectAuthor(user)
	}

	for _, post := range found {
		author, ok := authors[post.AuthorID]
		if !ok {
			r.logger.Error("author for post not found",
				zap.String("post_id", post.ID),
				zap.String("author_id", post.AuthorID))
			return nil, rpc.Internal("author for post not found", nil)
		}
		result = append(result, PostWithAuthor{Post: post, Author: author})
	}
	return result, nil
}

func (r *Router) createPost(ctx context.Context, input CreatePostInput) (posts.Post, error) {
	actor, ok := ActingUser(ctx)
	if !ok {
		return posts.Post{}, rpc.Unauthenticated("sign in to post")
	}
	authorID, err := posts.NewAuthorID(actor.ID)
	if err != nil {
		return posts.Post{}, rpc.Unauthenticated("sign in to post")
	}

	content, err := posts.NewContent(input.Content)
	if err != nil {
		return posts.Post{}, rpc.InvalidArgument("invalid post content", rpc.FieldViolation{
			Field:       "content",
			Description: fmt.Sprintf("must contain between 1 and %d characters", posts.MaxContentLength),
		})
	}

	decision, err := r.limiter.Admit(ctx, authorID.String())
	if err != nil {
		return posts.Post{}, rpc.UpstreamUnavailable("rate limiter unavailable", err)
	}
	if !decision.Allowed {
		return posts.Post{}, rpc.RateLimited(decision.RetryAfter)
	}

	post, err := r.posts.InsertPost(ctx, authorID, content)
	if err != nil {
		return posts.Post{}, rpc.UpstreamUnavailable("post store unavailable", err)
	}
	r.logger.Info("post created",
		zap.String("post_id", post.ID),
		zap.String("author_id", post.AuthorID))
	return post, nil
}

func (r *Router) getUserByID(ctx context.Context, input GetUserInput) (users.Author, error) {
	user, err := r.users.GetUser(ctx, input.UserID)
	if errors.Is(err, users.ErrUserNotFound) {
		return users.Author{}, rpc.NotFound("User not found")
	}
	if err != nil {
		return users.Author{}, rpc.UpstreamUnavailable("identity provider unavailable", err)
	}
	return users.ProjectAuthor(user), nil
}
