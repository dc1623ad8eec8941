package xclone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

var ErrEmptyComment = errors.New("comment cannot be empty")
var ErrPostNotFound = errors.New("post not found")

// PostDetailView reconciles a single post: the full like set, and the full
// comment list with hydrated authors. It subscribes only to comment inserts
// filtered server-side by the post id.
//
// Comment submit is echo-only: the submitted comment is held by the caller
// until the insert event materializes it, so the submit path never inserts
// into the list itself. Comment delete is local-only removal after a
// successful request; a concurrent delete by another session is not
// reflected until remount.
type PostDetailView struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *XCloneApi
	realtime Realtime

	userId Id
	postId Id

	stateLock sync.Mutex
	post      *Post
	comments  []*Comment
	likes     map[LikeKey]*PostLike
	loaded    bool
	notFound  bool

	changeCallbacks *CallbackList[StoreChangeFunction]

	unsub func()
}

func NewPostDetailView(ctx context.Context, api *XCloneApi, realtime Realtime, userId Id, postId Id) *PostDetailView {
	cancelCtx, cancel := context.WithCancel(ctx)
	detailView := &PostDetailView{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		realtime:        realtime,
		userId:          userId,
		postId:          postId,
		comments:        []*Comment{},
		likes:           map[LikeKey]*PostLike{},
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
	}

	detailView.unsub = realtime.Subscribe(&ChangeFilter{
		Table:  TableComments,
		Events: []ChangeEventType{ChangeEventInsert},
		Column: "postId",
		Value:  postId.String(),
	}, detailView.handleCommentChange)

	return detailView
}

func (self *PostDetailView) AddChangeCallback(changeCallback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *PostDetailView) change() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

// fetches the post with its full like rows and pre-joined comments
func (self *PostDetailView) Load() error {
	result, err := self.api.FetchPostDetailsSync(&FetchPostDetailsArgs{
		PostId: self.postId,
	})
	if err != nil {
		return err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.loaded = true
		if result.Error != nil || result.Post == nil {
			// deleted or missing is an empty state, not a failure
			self.notFound = true
			return
		}

		post := result.Post
		self.likes = map[LikeKey]*PostLike{}
		for _, postLike := range post.PostLikes {
			self.likes[postLike.Key()] = postLike
		}
		self.comments = post.Comments
		if self.comments == nil {
			self.comments = []*Comment{}
		}
		post.PostLikes = nil
		post.Comments = nil
		self.post = post
	}()
	self.change()
	return nil
}

func (self *PostDetailView) handleCommentChange(event *ChangeEvent) {
	if event.Type != ChangeEventInsert {
		return
	}
	comment := &Comment{}
	if err := event.UnmarshalRecord(comment); err != nil {
		glog.Infof("[detail]drop comment insert: %s\n", err)
		return
	}
	if comment.PostId != self.postId {
		return
	}

	// the event payload carries only the commenter's foreign key
	comment.User = self.lookupUser(comment.UserId)

	added := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, existing := range self.comments {
			if existing.CommentId == comment.CommentId {
				// redelivery
				return false
			}
		}
		self.comments = append([]*Comment{comment}, self.comments...)
		return true
	}()
	if added {
		self.change()
	}
}

func (self *PostDetailView) lookupUser(userId Id) *UserSummary {
	result, err := self.api.GetUserDataSync(userId)
	if err != nil || result.Error != nil || result.User == nil {
		glog.Infof("[detail]commenter lookup failed for %s\n", userId)
		return &UserSummary{
			UserId: userId,
		}
	}
	return &UserSummary{
		UserId: result.User.UserId,
		Name:   result.User.Name,
		Image:  result.User.Image,
	}
}

// the comment text is the caller's transient buffer; the list is only
// populated by the echoed insert event
func (self *PostDetailView) SubmitComment(text string) error {
	if text == "" {
		return ErrEmptyComment
	}

	result, err := self.api.CreateCommentSync(&CreateCommentArgs{
		PostId:  self.postId,
		UserId:  self.userId,
		Comment: text,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	return nil
}

func (self *PostDetailView) DeleteComment(commentId Id) error {
	result, err := self.api.DeleteCommentSync(&DeleteCommentArgs{
		CommentId: commentId,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for i, comment := range self.comments {
			if comment.CommentId == commentId {
				self.comments = append(self.comments[:i], self.comments[i+1:]...)
				break
			}
		}
	}()
	self.change()
	return nil
}

// same idempotent set semantics as the feed view, scoped to this post
func (self *PostDetailView) ToggleLike() error {
	key := LikeKey{
		PostId: self.postId,
		UserId: self.userId,
	}

	liked := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		_, ok := self.likes[key]
		return ok
	}()

	if liked {
		self.removeLike(key)
		result, err := self.api.RemovePostLikeSync(&RemovePostLikeArgs{
			PostId: self.postId,
			UserId: self.userId,
		})
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			self.addLike(&PostLike{PostId: self.postId, UserId: self.userId})
			return fmt.Errorf("could not remove like: %w", err)
		}
		return nil
	}

	self.addLike(&PostLike{PostId: self.postId, UserId: self.userId})
	result, err := self.api.CreatePostLikeSync(&CreatePostLikeArgs{
		PostId: self.postId,
		UserId: self.userId,
	})
	if err == nil && result.Error != nil {
		err = errors.New(result.Error.Message)
	}
	if err != nil {
		self.removeLike(key)
		return fmt.Errorf("could not like post: %w", err)
	}
	return nil
}

func (self *PostDetailView) addLike(postLike *PostLike) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		key := postLike.Key()
		if _, ok := self.likes[key]; ok {
			return false
		}
		self.likes[key] = postLike
		return true
	}()
	if changed {
		self.change()
	}
}

func (self *PostDetailView) removeLike(key LikeKey) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.likes[key]; !ok {
			return false
		}
		delete(self.likes, key)
		return true
	}()
	if changed {
		self.change()
	}
}

// on success the owning view should navigate away and remove the post from
// any list view
func (self *PostDetailView) DeletePost() error {
	result, err := self.api.DeletePostSync(&DeletePostArgs{
		PostId: self.postId,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	return nil
}

func (self *PostDetailView) PostId() Id {
	return self.postId
}

func (self *PostDetailView) NotFound() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loaded && self.notFound
}

func (self *PostDetailView) Loaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loaded
}

// copy of the post with the aggregates materialized
func (self *PostDetailView) Post() *Post {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.post == nil {
		return nil
	}
	post := *self.post
	post.Comments = append([]*Comment{}, self.comments...)
	post.CommentCount = len(self.comments)
	post.PostLikes = make([]*PostLike, 0, len(self.likes))
	for _, postLike := range self.likes {
		post.PostLikes = append(post.PostLikes, postLike)
	}
	return &post
}

func (self *PostDetailView) Comments() []*Comment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return append([]*Comment{}, self.comments...)
}

func (self *PostDetailView) LikeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.likes)
}

func (self *PostDetailView) Liked() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.likes[LikeKey{PostId: self.postId, UserId: self.userId}]
	return ok
}

func (self *PostDetailView) Close() {
	self.cancel()
	self.unsub()
}
