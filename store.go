package xclone

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// FeedStore is the id-keyed, ordered post collection backing one feed view.
// Its lifetime is the owning view's mount/unmount; there is no persistence.
//
// Every mutation locates by post id first. The store never holds two entries
// for the same id, regardless of whether the post arrived by page fetch,
// change event, or optimistic action.
//
// Aggregates are kept in one representation each:
//   - likes are a set keyed by (userId, postId). Views display the
//     cardinality. Set insert/remove is idempotent, which makes the
//     optimistic path and the echoed event path safe to interleave.
//   - comment count is a client-maintained integer seeded from the server
//     aggregate at fetch time and incremented by change events after.

type StoreChangeFunction = func()

type postEntry struct {
	post         *Post
	likes        map[LikeKey]*PostLike
	commentCount int
}

type FeedStore struct {
	stateLock sync.Mutex

	orderedPostIds []Id
	postEntries    map[Id]*postEntry

	changeCallbacks *CallbackList[StoreChangeFunction]
	updateMonitor   *Monitor
}

func NewFeedStore() *FeedStore {
	return &FeedStore{
		orderedPostIds:  []Id{},
		postEntries:     map[Id]*postEntry{},
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
		updateMonitor:   NewMonitor(),
	}
}

// notified on every store change. pollers take the channel before reading a
// snapshot so a change between read and wait is not missed.
func (self *FeedStore) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *FeedStore) AddChangeCallback(changeCallback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *FeedStore) change() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
	self.updateMonitor.NotifyAll()
}

func newPostEntry(post *Post) *postEntry {
	entry := &postEntry{
		post:         post,
		likes:        map[LikeKey]*PostLike{},
		commentCount: post.CommentCount,
	}
	for _, postLike := range post.PostLikes {
		entry.likes[postLike.Key()] = postLike
	}
	// the folded representations are now authoritative
	post.PostLikes = nil
	post.Comments = nil
	return entry
}

// appends a fetched page in server order, skipping ids already present
func (self *FeedStore) AppendPage(posts []*Post) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, post := range posts {
			if _, ok := self.postEntries[post.PostId]; ok {
				continue
			}
			self.postEntries[post.PostId] = newPostEntry(post)
			self.orderedPostIds = append(self.orderedPostIds, post.PostId)
		}
	}()
	self.change()
}

// new posts always surface at the top of the feed, regardless of their
// creation timestamp relative to already loaded pages. a post already
// present is left in place with its mutable fields patched.
func (self *FeedStore) Prepend(post *Post) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if entry, ok := self.postEntries[post.PostId]; ok {
			entry.post.Body = post.Body
			entry.post.File = post.File
			return
		}
		self.postEntries[post.PostId] = newPostEntry(post)
		self.orderedPostIds = append([]Id{post.PostId}, self.orderedPostIds...)
	}()
	self.change()
}

// patches the mutable fields only. aggregates are untouched.
func (self *FeedStore) Patch(postId Id, body string, file string) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.postEntries[postId]
		if !ok {
			return false
		}
		entry.post.Body = body
		entry.post.File = file
		return true
	}()
	if ok {
		self.change()
	}
	return ok
}

func (self *FeedStore) Remove(postId Id) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.postEntries[postId]; !ok {
			return false
		}
		delete(self.postEntries, postId)
		i := slices.Index(self.orderedPostIds, postId)
		self.orderedPostIds = slices.Delete(self.orderedPostIds, i, i+1)
		return true
	}()
	if ok {
		self.change()
	}
	return ok
}

// idempotent. returns false if the (userId, postId) pair was already
// present or the post is not in the store.
func (self *FeedStore) AddLike(postLike *PostLike) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.postEntries[postLike.PostId]
		if !ok {
			return false
		}
		key := postLike.Key()
		if _, ok := entry.likes[key]; ok {
			return false
		}
		entry.likes[key] = postLike
		return true
	}()
	if ok {
		self.change()
	}
	return ok
}

// idempotent. returns false if the pair was not present.
func (self *FeedStore) RemoveLike(key LikeKey) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.postEntries[key.PostId]
		if !ok {
			return false
		}
		if _, ok := entry.likes[key]; !ok {
			return false
		}
		delete(entry.likes, key)
		return true
	}()
	if ok {
		self.change()
	}
	return ok
}

func (self *FeedStore) IncrementCommentCount(postId Id) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, ok := self.postEntries[postId]
		if !ok {
			return false
		}
		entry.commentCount += 1
		return true
	}()
	if ok {
		self.change()
	}
	return ok
}

func (self *FeedStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedPostIds)
}

func (self *FeedStore) Contains(postId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.postEntries[postId]
	return ok
}

func (self *FeedStore) LikeCount(postId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.postEntries[postId]
	if !ok {
		return 0
	}
	return len(entry.likes)
}

func (self *FeedStore) Liked(postId Id, userId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.postEntries[postId]
	if !ok {
		return false
	}
	_, ok = entry.likes[LikeKey{PostId: postId, UserId: userId}]
	return ok
}

func (self *FeedStore) CommentCount(postId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.postEntries[postId]
	if !ok {
		return 0
	}
	return entry.commentCount
}

// ordered copy of the store for rendering. the returned posts are copies
// with the aggregates materialized; mutating them does not affect the store.
func (self *FeedStore) Posts() []*Post {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	posts := make([]*Post, 0, len(self.orderedPostIds))
	for _, postId := range self.orderedPostIds {
		entry := self.postEntries[postId]
		post := *entry.post
		post.PostLikes = maps.Values(entry.likes)
		post.CommentCount = entry.commentCount
		posts = append(posts, &post)
	}
	return posts
}

func (self *FeedStore) Get(postId Id) *Post {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.postEntries[postId]
	if !ok {
		return nil
	}
	post := *entry.post
	post.PostLikes = maps.Values(entry.likes)
	post.CommentCount = entry.commentCount
	return &post
}
