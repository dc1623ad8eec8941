package xclone

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// in-process change feed hub. events publish synchronously to every
// matching subscription, which makes event interleavings deterministic
// in tests.
type testRealtime struct {
	stateLock sync.Mutex
	nextSubId int
	subs      map[int]*testRealtimeSub
}

type testRealtimeSub struct {
	filter   *ChangeFilter
	callback ChangeEventFunction
}

func newTestRealtime() *testRealtime {
	return &testRealtime{
		subs: map[int]*testRealtimeSub{},
	}
}

func (self *testRealtime) Subscribe(filter *ChangeFilter, callback ChangeEventFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subId := self.nextSubId
	self.nextSubId += 1
	self.subs[subId] = &testRealtimeSub{
		filter:   filter,
		callback: callback,
	}
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subs, subId)
	}
}

func (self *testRealtime) SubscriptionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subs)
}

func (self *testRealtime) Publish(event *ChangeEvent) {
	subs := func() []*testRealtimeSub {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		subs := []*testRealtimeSub{}
		for _, sub := range self.subs {
			if matchesFilter(sub.filter, event) {
				subs = append(subs, sub)
			}
		}
		return subs
	}()
	for _, sub := range subs {
		sub.callback(event)
	}
}

func matchesFilter(filter *ChangeFilter, event *ChangeEvent) bool {
	if filter.Table != event.Table {
		return false
	}
	if 0 < len(filter.Events) {
		found := false
		for _, eventType := range filter.Events {
			if eventType == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Column != "" {
		record := event.Record
		if event.Type == ChangeEventDelete {
			record = event.OldRecord
		}
		row := map[string]any{}
		if err := json.Unmarshal(record, &row); err != nil {
			return false
		}
		if fmt.Sprint(row[filter.Column]) != filter.Value {
			return false
		}
	}
	return true
}

func insertEvent(table string, row any) *ChangeEvent {
	recordBytes, err := json.Marshal(row)
	if err != nil {
		panic(err)
	}
	return &ChangeEvent{
		Type:   ChangeEventInsert,
		Table:  table,
		Record: recordBytes,
	}
}

func updateEvent(table string, row any) *ChangeEvent {
	recordBytes, err := json.Marshal(row)
	if err != nil {
		panic(err)
	}
	return &ChangeEvent{
		Type:   ChangeEventUpdate,
		Table:  table,
		Record: recordBytes,
	}
}

func deleteEvent(table string, row any) *ChangeEvent {
	recordBytes, err := json.Marshal(row)
	if err != nil {
		panic(err)
	}
	return &ChangeEvent{
		Type:      ChangeEventDelete,
		Table:     table,
		OldRecord: recordBytes,
	}
}

// fake backend over httptest speaking the api wire shapes
type testBackend struct {
	server *httptest.Server

	stateLock sync.Mutex

	posts []*Post
	users map[Id]*Profile

	fetchPostsCount int
	createLikeCount int
	removeLikeCount int

	// when set, the next fetch blocks until released
	fetchStarted chan struct{}
	fetchRelease chan struct{}

	failFetchPosts bool
	failCreateLike bool
	failRemoveLike bool
}

func newTestBackend() *testBackend {
	backend := &testBackend{
		posts: []*Post{},
		users: map[Id]*Profile{},
	}
	backend.server = httptest.NewServer(http.HandlerFunc(backend.handle))
	return backend
}

func (self *testBackend) Close() {
	self.server.Close()
}

func (self *testBackend) Url() string {
	return self.server.URL
}

func (self *testBackend) Api() *XCloneApi {
	return NewXCloneApi(self.server.URL)
}

func (self *testBackend) AddUser(user *Profile) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.users[user.UserId] = user
}

func (self *testBackend) AddPosts(posts ...*Post) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.posts = append(self.posts, posts...)
}

func (self *testBackend) SetFetchGate(started chan struct{}, release chan struct{}) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.fetchStarted = started
	self.fetchRelease = release
}

func (self *testBackend) SetFailFetchPosts(fail bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failFetchPosts = fail
}

func (self *testBackend) SetFailCreateLike(fail bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failCreateLike = fail
}

func (self *testBackend) SetFailRemoveLike(fail bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failRemoveLike = fail
}

func (self *testBackend) FetchPostsCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.fetchPostsCount
}

func writeJson(w http.ResponseWriter, result any) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/json")
	w.Write(resultBytes)
}

func readJson[T any](r *http.Request, args T) T {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(bodyBytes, args); err != nil {
		panic(err)
	}
	return args
}

func (self *testBackend) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/feed/posts":
		self.handleFetchPosts(w, r)
	case r.URL.Path == "/feed/post-details":
		self.handleFetchPostDetails(w, r)
	case r.URL.Path == "/feed/create-like":
		self.handleCreateLike(w, r)
	case r.URL.Path == "/feed/remove-like":
		self.handleRemoveLike(w, r)
	case r.URL.Path == "/feed/create-comment":
		writeJson(w, &CreateCommentResult{
			Comment: &Comment{CommentId: NewId()},
		})
	case r.URL.Path == "/feed/delete-comment":
		writeJson(w, &DeleteCommentResult{})
	case r.URL.Path == "/feed/upsert-post":
		self.handleUpsertPost(w, r)
	case r.URL.Path == "/feed/delete-post":
		writeJson(w, &DeletePostResult{})
	case r.URL.Path == "/users/update":
		self.handleUpdateUser(w, r)
	case strings.HasPrefix(r.URL.Path, "/users/"):
		self.handleGetUser(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (self *testBackend) handleFetchPosts(w http.ResponseWriter, r *http.Request) {
	args := readJson(r, &FetchPostsArgs{})

	var started chan struct{}
	var release chan struct{}
	fail := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.fetchPostsCount += 1
		started = self.fetchStarted
		release = self.fetchRelease
		fail = self.failFetchPosts
	}()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}

	if fail {
		http.Error(w, "backend unavailable", http.StatusInternalServerError)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	posts := []*Post{}
	for i := args.Offset; i < args.Offset+args.Limit && i < len(self.posts); i += 1 {
		post := self.posts[i]
		if args.UserId != nil && post.UserId != *args.UserId {
			continue
		}
		postCopy := *post
		posts = append(posts, &postCopy)
	}
	writeJson(w, &FetchPostsResult{
		Posts: posts,
	})
}

func (self *testBackend) handleFetchPostDetails(w http.ResponseWriter, r *http.Request) {
	args := readJson(r, &FetchPostDetailsArgs{})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, post := range self.posts {
		if post.PostId == args.PostId {
			postCopy := *post
			writeJson(w, &FetchPostDetailsResult{
				Post: &postCopy,
			})
			return
		}
	}
	writeJson(w, &FetchPostDetailsResult{
		Error: &ApiError{Message: "post not found"},
	})
}

func (self *testBackend) handleCreateLike(w http.ResponseWriter, r *http.Request) {
	args := readJson(r, &CreatePostLikeArgs{})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.createLikeCount += 1
	if self.failCreateLike {
		writeJson(w, &CreatePostLikeResult{
			Error: &ApiError{Message: "could not like post"},
		})
		return
	}
	writeJson(w, &CreatePostLikeResult{
		PostLike: &PostLike{
			PostId: args.PostId,
			UserId: args.UserId,
		},
	})
}

func (self *testBackend) handleRemoveLike(w http.ResponseWriter, r *http.Request) {
	readJson(r, &RemovePostLikeArgs{})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.removeLikeCount += 1
	if self.failRemoveLike {
		writeJson(w, &RemovePostLikeResult{
			Error: &ApiError{Message: "could not remove like"},
		})
		return
	}
	writeJson(w, &RemovePostLikeResult{})
}

func (self *testBackend) handleUpsertPost(w http.ResponseWriter, r *http.Request) {
	args := readJson(r, &CreateOrUpdatePostArgs{})

	post := &Post{
		UserId:    args.UserId,
		Body:      args.Body,
		File:      args.File,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if args.PostId != nil {
		post.PostId = *args.PostId
	} else {
		post.PostId = NewId()
	}
	writeJson(w, &CreateOrUpdatePostResult{
		Post: post,
	})
}

func (self *testBackend) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	args := readJson(r, &UpdateUserDataArgs{})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.users[args.UserId] = &Profile{
		UserId:      args.UserId,
		Name:        args.Name,
		Image:       args.Image,
		Bio:         args.Bio,
		PhoneNumber: args.PhoneNumber,
		Address:     args.Address,
	}
	writeJson(w, &UpdateUserDataResult{})
}

func (self *testBackend) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userIdStr := strings.TrimPrefix(r.URL.Path, "/users/")
	userId, err := ParseId(userIdStr)
	if err != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if user, ok := self.users[userId]; ok {
		userCopy := *user
		writeJson(w, &GetUserDataResult{
			User: &userCopy,
		})
		return
	}
	writeJson(w, &GetUserDataResult{
		Error: &ApiError{Message: "user not found"},
	})
}

func testPost(userId Id, body string, createdAt time.Time) *Post {
	return &Post{
		PostId:    NewId(),
		UserId:    userId,
		Body:      body,
		CreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
}
