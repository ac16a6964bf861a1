// Package api declares the closed set of chirp procedures and routes calls to the posts store,
// the user directory and the rate limiter.
package api

import (
	"github.com/MarcoPoloResearchLab/chirp/internal/posts"
	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"github.com/MarcoPoloResearchLab/chirp/internal/users"
)

const (
	ProcPostsGetAll        rpc.Procedure = "posts.getAll"
	ProcPostsGetByID       rpc.Procedure = "posts.getById"
	ProcPostsGetByUserID   rpc.Procedure = "posts.getPostsByUserId"
	ProcPostsCreate        rpc.Procedure = "posts.create"
	ProcProfileGetUserByID rpc.Procedure = "profile.getUserById"
)

// PostWithAuthor pairs a post with the public projection of its author.
type PostWithAuthor struct {
	Post   posts.Post   `json:"post"`
	Author users.Author `json:"author"`
}

type GetPostInput struct {
	ID string `json:"id"`
}

type PostsByUserInput struct {
	UserID string `json:"userId"`
}

type CreatePostInput struct {
	Content string `json:"content"`
}

type GetUserInput struct {
	UserID string `json:"userId"`
}

var (
	PostsGetAll        = rpc.NewQuery[rpc.Empty, []PostWithAuthor](ProcPostsGetAll)
	PostsGetByID       = rpc.NewQuery[GetPostInput, PostWithAuthor](ProcPostsGetByID)
	PostsGetByUserID   = rpc.NewQuery[PostsByUserInput, []PostWithAuthor](ProcPostsGetByUserID)
	PostsCreate        = rpc.NewMutation[CreatePostInput, posts.Post](ProcPostsCreate)
	ProfileGetUserByID = rpc.NewQuery[GetUserInput, users.Author](ProcProfileGetUserByID)
)

// Procedures lists every declared procedure with its kind.
func Procedures() map[rpc.Procedure]rpc.Kind {
	return map[rpc.Procedure]rpc.Kind{
		PostsGetAll.Procedure():        PostsGetAll.Kind(),
		PostsGetByID.Procedure():       PostsGetByID.Kind(),
		PostsGetByUserID.Procedure():   PostsGetByUserID.Kind(),
		PostsCreate.Procedure():        PostsCreate.Kind(),
		ProfileGetUserByID.Procedure(): ProfileGetUserByID.Kind(),
	}
}
