package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
	"github.com/MarcoPoloResearchLab/chirp/internal/querycache"
	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	pageFeed     = "feed"
	pagePost     = "post"
	pageProfile  = "profile"
	pageNotFound = "not_found"

	prerenderOK        = "ok"
	prerenderNotFound  = "not_found"
	prerenderAbandoned = "abandoned"
)

// pagePayload carries the page props and the dehydrated prefetch snapshot.
type pagePayload struct {
	Page  string              `json:"page"`
	Props map[string]string   `json:"props,omitempty"`
	State querycache.Snapshot `json:"state"`
}

func (h *httpHandler) handleFeedPage(c *gin.Context) {
	call, err := api.PostsGetAll.Call(rpc.Empty{})
	h.prerender(c, pageFeed, nil, err, call)
}

func (h *httpHandler) handlePostPage(c *gin.Context) {
	id := c.Param("id")
	call, err := api.PostsGetByID.Call(api.GetPostInput{ID: id})
	h.prerender(c, pagePost, map[string]string{"id": id}, err, call)
}

func (h *httpHandler) handleProfilePage(c *gin.Context) {
	userID := c.Param("userId")
	profileCall, err := api.ProfileGetUserByID.Call(api.GetUserInput{UserID: userID})
	if err != nil {
		h.prerender(c, pageProfile, nil, err)
		return
	}
	feedCall, err := api.PostsGetByUserID.Call(api.PostsByUserInput{UserID: userID})
	h.prerender(c, pageProfile, map[string]string{"userId": userID}, err, profileCall, feedCall)
}

// prerender prefetches calls concurrently for one page render. Any failure yields the
// not-found page instead of a partial payload; a render abandoned by the client writes nothing.
func (h *httpHandler) prerender(c *gin.Context, page string, props map[string]string, buildErr error, calls ...rpc.Call) {
	if buildErr != nil {
		h.logger.Error("page calls could not be encoded", zap.String("page", page), zap.Error(buildErr))
		h.renderNotFound(c, page)
		return
	}
	prefetcher, err := querycache.NewPrefetcher(h.procedures, h.clock)
	if err != nil {
		h.logger.Error("prefetcher construction failed", zap.Error(err))
		h.renderNotFound(c, page)
		return
	}

	ctx := c.Request.Context()
	if err := prefetcher.PrefetchAll(ctx, calls...); err != nil {
		if querycache.IsAbandoned(err) && ctx.Err() != nil {
			h.metrics.RecordPrerender(page, prerenderAbandoned)
			h.logger.Debug("page render abandoned", zap.String("page", page))
			c.Abort()
			return
		}
		h.logger.Info("page prefetch failed",
			zap.String("page", page),
			zap.String("code", string(rpc.CodeOf(err))),
			zap.Error(err))
		h.renderNotFound(c, page)
		return
	}

	h.metrics.RecordPrerender(page, prerenderOK)
	c.JSON(http.StatusOK, pagePayload{
		Page:  page,
		Props: props,
		State: prefetcher.Dehydrate(),
	})
}

func (h *httpHandler) renderNotFound(c *gin.Context, page string) {
	h.metrics.RecordPrerender(page, prerenderNotFound)
	c.JSON(http.StatusNotFound, gin.H{"page": pageNotFound})
}
