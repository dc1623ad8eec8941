package xclone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

const (
	TablePosts      = "posts"
	TableComments   = "comments"
	TablePostsLikes = "postsLikes"
	TableUsers      = "users"
)

var ErrEmptyPost = errors.New("post cannot be empty")

// redelivery happens close to the original delivery, so the dedupe memory
// only needs to cover recent comment ids
const maxCountedCommentIds = 1024

type FeedViewSettings struct {
	PageSize int
}

func DefaultFeedViewSettings() *FeedViewSettings {
	return &FeedViewSettings{
		PageSize: 10,
	}
}

// FeedView merges an offset-paginated fetch of posts with the live change
// feeds on the same tables. One FeedView owns one FeedStore; both the
// paginator and the event handlers write to it, keyed by post id, so a row
// that arrives on both paths lands on a single entry.
//
// The like relation is a (userId, postId) set on the store. The optimistic
// like path and the echoed like event reduce to the same idempotent set
// insert/remove, so their interleaving cannot double count.
type FeedView struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *XCloneApi
	realtime Realtime
	storage  *StorageClient

	// the authenticated principal
	userId Id
	// restrict the feed to one author, e.g. the profile screen. the paged
	// fetch filters server side and post inserts are checked against the
	// filter on receipt. comment and like events need no check; events for
	// posts outside the store miss it and are dropped.
	authorFilter *Id

	settings *FeedViewSettings

	store *FeedStore

	stateLock     sync.Mutex
	offset        int
	endOfFeed     bool
	fetchInFlight bool
	// comment insert events already counted, for at-least-once redelivery.
	// bounded; the oldest ids are evicted so a long-lived view cannot grow
	// without limit.
	countedCommentIds   map[Id]bool
	countedCommentOrder []Id

	unsubs []func()
}

func NewFeedViewWithDefaults(ctx context.Context, api *XCloneApi, realtime Realtime, storage *StorageClient, userId Id) *FeedView {
	return NewFeedView(ctx, api, realtime, storage, userId, nil, DefaultFeedViewSettings())
}

func NewFeedView(
	ctx context.Context,
	api *XCloneApi,
	realtime Realtime,
	storage *StorageClient,
	userId Id,
	authorFilter *Id,
	settings *FeedViewSettings,
) *FeedView {
	cancelCtx, cancel := context.WithCancel(ctx)
	feedView := &FeedView{
		ctx:               cancelCtx,
		cancel:            cancel,
		api:               api,
		realtime:          realtime,
		storage:           storage,
		userId:            userId,
		authorFilter:      authorFilter,
		settings:          settings,
		store:             NewFeedStore(),
		countedCommentIds: map[Id]bool{},
	}

	feedView.unsubs = []func(){
		realtime.Subscribe(&ChangeFilter{
			Table: TablePosts,
		}, feedView.handlePostChange),
		realtime.Subscribe(&ChangeFilter{
			Table:  TableComments,
			Events: []ChangeEventType{ChangeEventInsert},
		}, feedView.handleCommentChange),
		realtime.Subscribe(&ChangeFilter{
			Table:  TablePostsLikes,
			Events: []ChangeEventType{ChangeEventInsert, ChangeEventDelete},
		}, feedView.handleLikeChange),
	}

	return feedView
}

func (self *FeedView) Store() *FeedStore {
	return self.store
}

func (self *FeedView) Posts() []*Post {
	return self.store.Posts()
}

func (self *FeedView) HasMore() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return !self.endOfFeed
}

func (self *FeedView) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.fetchInFlight
}

// fetches the next page and appends it to the store in server order.
// a call while a fetch is outstanding, or after the feed is exhausted,
// is a no-op. on error the offset and exhaustion state are unchanged and
// the in-flight flag is cleared, so the call is retryable.
func (self *FeedView) FetchNextPage() error {
	acquired := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.fetchInFlight || self.endOfFeed {
			return false
		}
		self.fetchInFlight = true
		return true
	}()
	if !acquired {
		return nil
	}

	// cleared on every exit path. leaving it set would wedge pagination.
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.fetchInFlight = false
	}()

	offset := func() int {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.offset
	}()

	result, err := self.api.FetchPostsSync(&FetchPostsArgs{
		Limit:  self.settings.PageSize,
		Offset: offset,
		UserId: self.authorFilter,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}

	self.store.AppendPage(result.Posts)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// advance by the configured page size to stay aligned with the
	// server's range semantics, not by the count returned
	self.offset += self.settings.PageSize
	if len(result.Posts) < self.settings.PageSize {
		self.endOfFeed = true
	}
	return nil
}

func (self *FeedView) handlePostChange(event *ChangeEvent) {
	switch event.Type {
	case ChangeEventInsert:
		post := &Post{}
		if err := event.UnmarshalRecord(post); err != nil {
			glog.Infof("[feed]drop post insert: %s\n", err)
			return
		}
		if self.authorFilter != nil && post.UserId != *self.authorFilter {
			return
		}
		if self.store.Contains(post.PostId) {
			// redelivery, or our own upsert already applied
			return
		}
		// the event payload carries only the author's foreign key
		post.User = self.lookupUser(post.UserId)
		self.store.Prepend(post)
	case ChangeEventUpdate:
		post := &Post{}
		if err := event.UnmarshalRecord(post); err != nil {
			glog.Infof("[feed]drop post update: %s\n", err)
			return
		}
		self.store.Patch(post.PostId, post.Body, post.File)
	case ChangeEventDelete:
		post := &Post{}
		if err := event.UnmarshalOldRecord(post); err != nil {
			glog.Infof("[feed]drop post delete: %s\n", err)
			return
		}
		self.store.Remove(post.PostId)
	}
}

func (self *FeedView) handleCommentChange(event *ChangeEvent) {
	if event.Type != ChangeEventInsert {
		return
	}
	comment := &Comment{}
	if err := event.UnmarshalRecord(comment); err != nil {
		glog.Infof("[feed]drop comment insert: %s\n", err)
		return
	}

	counted := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.countedCommentIds[comment.CommentId] {
			return true
		}
		self.countedCommentIds[comment.CommentId] = true
		self.countedCommentOrder = append(self.countedCommentOrder, comment.CommentId)
		if maxCountedCommentIds < len(self.countedCommentOrder) {
			evictId := self.countedCommentOrder[0]
			self.countedCommentOrder = self.countedCommentOrder[1:]
			delete(self.countedCommentIds, evictId)
		}
		return false
	}()
	if counted {
		return
	}

	self.store.IncrementCommentCount(comment.PostId)
}

func (self *FeedView) handleLikeChange(event *ChangeEvent) {
	switch event.Type {
	case ChangeEventInsert:
		postLike := &PostLike{}
		if err := event.UnmarshalRecord(postLike); err != nil {
			glog.Infof("[feed]drop like insert: %s\n", err)
			return
		}
		// no-op when the optimistic path already added the pair
		self.store.AddLike(postLike)
	case ChangeEventDelete:
		postLike := &PostLike{}
		if err := event.UnmarshalOldRecord(postLike); err != nil {
			glog.Infof("[feed]drop like delete: %s\n", err)
			return
		}
		self.store.RemoveLike(postLike.Key())
	}
}

func (self *FeedView) lookupUser(userId Id) *UserSummary {
	result, err := self.api.GetUserDataSync(userId)
	if err != nil || result.Error != nil || result.User == nil {
		glog.Infof("[feed]author lookup failed for %s\n", userId)
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

// applies the like mutation locally first, then issues the request.
// on request failure the local mutation is rolled back.
func (self *FeedView) ToggleLike(postId Id) error {
	key := LikeKey{
		PostId: postId,
		UserId: self.userId,
	}

	if self.store.Liked(postId, self.userId) {
		self.store.RemoveLike(key)

		result, err := self.api.RemovePostLikeSync(&RemovePostLikeArgs{
			PostId: postId,
			UserId: self.userId,
		})
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			self.store.AddLike(&PostLike{
				PostId: postId,
				UserId: self.userId,
			})
			return fmt.Errorf("could not remove like: %w", err)
		}
		return nil
	}

	self.store.AddLike(&PostLike{
		PostId: postId,
		UserId: self.userId,
	})

	result, err := self.api.CreatePostLikeSync(&CreatePostLikeArgs{
		PostId: postId,
		UserId: self.userId,
	})
	if err == nil && result.Error != nil {
		err = errors.New(result.Error.Message)
	}
	if err != nil {
		self.store.RemoveLike(key)
		return fmt.Errorf("could not like post: %w", err)
	}
	return nil
}

type LocalMedia struct {
	Path string
	Kind MediaKind
}

// creates a new post. local media is uploaded first and the stored path is
// substituted for the local reference before the post row is submitted; a
// failed upload aborts the submission with the upload's error. the new post
// surfaces in the store via the echoed insert event, not locally, so a slow
// echo cannot produce a duplicate.
func (self *FeedView) SubmitPost(body string, media *LocalMedia) (*Post, error) {
	if body == "" && media == nil {
		return nil, ErrEmptyPost
	}

	file := ""
	if media != nil {
		if self.storage == nil {
			return nil, errors.New("no storage client configured")
		}
		storedPath, err := self.storage.Upload(self.ctx, media.Kind, media.Path)
		if err != nil {
			return nil, err
		}
		file = storedPath
	}

	result, err := self.api.CreateOrUpdatePostSync(&CreateOrUpdatePostArgs{
		UserId: self.userId,
		Body:   body,
		File:   file,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.New(result.Error.Message)
	}
	return result.Post, nil
}

// upsert by post id. the echoed update event patches other views; this view
// is patched immediately.
func (self *FeedView) EditPost(postId Id, body string, file string) error {
	result, err := self.api.CreateOrUpdatePostSync(&CreateOrUpdatePostArgs{
		PostId: &postId,
		UserId: self.userId,
		Body:   body,
		File:   file,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	self.store.Patch(postId, body, file)
	return nil
}

func (self *FeedView) DeletePost(postId Id) error {
	result, err := self.api.DeletePostSync(&DeletePostArgs{
		PostId: postId,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	self.store.Remove(postId)
	return nil
}

// tears down all three subscriptions. must be called on view unmount so
// stale callbacks cannot mutate a discarded store.
func (self *FeedView) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
}
