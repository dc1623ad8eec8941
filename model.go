package xclone

import (
	"strings"
	"time"
)

// row shapes for the hosted backend tables: posts, comments, postsLikes, users.
// timestamps are ISO-8601 strings as delivered by the backend.

type UserSummary struct {
	UserId Id     `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image,omitempty"`
}

type Profile struct {
	UserId      Id     `json:"id"`
	Name        string `json:"name"`
	Image       string `json:"image,omitempty"`
	Bio         string `json:"bio,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Address     string `json:"address,omitempty"`
	// sourced from the auth principal, not the profile row
	Email string `json:"email,omitempty"`
}

type Post struct {
	PostId    Id     `json:"id"`
	UserId    Id     `json:"userId"`
	Body      string `json:"body,omitempty"`
	File      string `json:"file,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`

	User *UserSummary `json:"user,omitempty"`

	// full like rows pre-joined by the fetch. the store folds these into
	// its (userId, postId) set and this slice is not kept in sync after.
	PostLikes []*PostLike `json:"postsLikes,omitempty"`

	// server aggregate at fetch time. client-maintained after (see FeedStore)
	CommentCount int `json:"commentCount,omitempty"`

	Comments []*Comment `json:"comments,omitempty"`
}

func (self *Post) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, self.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

type Comment struct {
	CommentId Id     `json:"id"`
	PostId    Id     `json:"postId"`
	UserId    Id     `json:"userId"`
	Comment   string `json:"comment"`
	CreatedAt string `json:"created_at,omitempty"`

	User *UserSummary `json:"user,omitempty"`
}

// identity is the composite (userId, postId). the backend may assign a row id
// but it is not needed for correctness.
type PostLike struct {
	PostId  Id     `json:"postId"`
	UserId  Id     `json:"userId"`
	Created string `json:"created_at,omitempty"`
}

func (self *PostLike) Key() LikeKey {
	return LikeKey{
		PostId: self.PostId,
		UserId: self.UserId,
	}
}

// comparable
type LikeKey struct {
	PostId Id
	UserId Id
}

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// stored paths are classified by folder segment, e.g. postImages/01H....png
func MediaKindForPath(path string) MediaKind {
	if strings.Contains(path, string(FolderPostImages)) {
		return MediaKindImage
	}
	return MediaKindVideo
}
