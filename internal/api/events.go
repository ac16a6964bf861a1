package api

import "time"

// EventPostCreated announces a successful posts.create to live feed subscribers.
const EventPostCreated = "post-created"

// FeedEvent is one message on the live feed stream.
type FeedEvent struct {
	Type      string    `json:"type"`
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Timestamp time.Time `json:"timestamp"`
}
