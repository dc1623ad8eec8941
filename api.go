package xclone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// uniform backend error member. callers must branch on this being nil
// before trusting any other result member.
type ApiError struct {
	Message string `json:"message"`
}

type XCloneApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	jwt string
}

func NewXCloneApi(apiUrl string) *XCloneApi {
	return NewXCloneApiWithContext(context.Background(), apiUrl)
}

func NewXCloneApiWithContext(ctx context.Context, apiUrl string) *XCloneApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &XCloneApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *XCloneApi) SetJwt(jwt string) {
	self.jwt = jwt
}

func (self *XCloneApi) Jwt() string {
	return self.jwt
}

func (self *XCloneApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Jwt   string    `json:"jwt,omitempty"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.jwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *XCloneApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.jwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthSignupCallback apiCallback[*AuthSignupResult]

type AuthSignupArgs struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthSignupResult struct {
	Jwt   string    `json:"jwt,omitempty"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) AuthSignup(authSignup *AuthSignupArgs, callback AuthSignupCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/signup", self.apiUrl),
		authSignup,
		self.jwt,
		&AuthSignupResult{},
		callback,
	)
}

func (self *XCloneApi) AuthSignupSync(authSignup *AuthSignupArgs) (*AuthSignupResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/signup", self.apiUrl),
		authSignup,
		self.jwt,
		&AuthSignupResult{},
		NewNoopApiCallback[*AuthSignupResult](),
	)
}

type FetchPostsCallback apiCallback[*FetchPostsResult]

type FetchPostsArgs struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	// restrict to one author's posts, e.g. the profile screen
	UserId *Id `json:"userId,omitempty"`
}

// posts are ordered by created_at descending, pre-joined with the author
// summary, the like rows, and the comment count aggregate
type FetchPostsResult struct {
	Posts []*Post   `json:"posts"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) FetchPosts(fetchPosts *FetchPostsArgs, callback FetchPostsCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/posts", self.apiUrl),
		fetchPosts,
		self.jwt,
		&FetchPostsResult{},
		callback,
	)
}

func (self *XCloneApi) FetchPostsSync(fetchPosts *FetchPostsArgs) (*FetchPostsResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/posts", self.apiUrl),
		fetchPosts,
		self.jwt,
		&FetchPostsResult{},
		NewNoopApiCallback[*FetchPostsResult](),
	)
}

type FetchPostDetailsCallback apiCallback[*FetchPostDetailsResult]

type FetchPostDetailsArgs struct {
	PostId Id `json:"postId"`
}

// the post with its full like rows and comments, each comment pre-joined
// with its author
type FetchPostDetailsResult struct {
	Post  *Post     `json:"post,omitempty"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) FetchPostDetails(fetchPostDetails *FetchPostDetailsArgs, callback FetchPostDetailsCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/post-details", self.apiUrl),
		fetchPostDetails,
		self.jwt,
		&FetchPostDetailsResult{},
		callback,
	)
}

func (self *XCloneApi) FetchPostDetailsSync(fetchPostDetails *FetchPostDetailsArgs) (*FetchPostDetailsResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/post-details", self.apiUrl),
		fetchPostDetails,
		self.jwt,
		&FetchPostDetailsResult{},
		NewNoopApiCallback[*FetchPostDetailsResult](),
	)
}

type CreateOrUpdatePostCallback apiCallback[*CreateOrUpdatePostResult]

// upsert by post id. an empty PostId creates a new post.
// File must already be a stored path (see StorageClient.Upload).
type CreateOrUpdatePostArgs struct {
	PostId *Id    `json:"id,omitempty"`
	UserId Id     `json:"userId"`
	Body   string `json:"body,omitempty"`
	File   string `json:"file,omitempty"`
}

type CreateOrUpdatePostResult struct {
	Post  *Post     `json:"post,omitempty"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) CreateOrUpdatePost(createOrUpdatePost *CreateOrUpdatePostArgs, callback CreateOrUpdatePostCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/upsert-post", self.apiUrl),
		createOrUpdatePost,
		self.jwt,
		&CreateOrUpdatePostResult{},
		callback,
	)
}

func (self *XCloneApi) CreateOrUpdatePostSync(createOrUpdatePost *CreateOrUpdatePostArgs) (*CreateOrUpdatePostResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/upsert-post", self.apiUrl),
		createOrUpdatePost,
		self.jwt,
		&CreateOrUpdatePostResult{},
		NewNoopApiCallback[*CreateOrUpdatePostResult](),
	)
}

type DeletePostCallback apiCallback[*DeletePostResult]

type DeletePostArgs struct {
	PostId Id `json:"postId"`
}

type DeletePostResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) DeletePost(deletePost *DeletePostArgs, callback DeletePostCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/delete-post", self.apiUrl),
		deletePost,
		self.jwt,
		&DeletePostResult{},
		callback,
	)
}

func (self *XCloneApi) DeletePostSync(deletePost *DeletePostArgs) (*DeletePostResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/delete-post", self.apiUrl),
		deletePost,
		self.jwt,
		&DeletePostResult{},
		NewNoopApiCallback[*DeletePostResult](),
	)
}

type CreateCommentCallback apiCallback[*CreateCommentResult]

type CreateCommentArgs struct {
	PostId  Id     `json:"postId"`
	UserId  Id     `json:"userId"`
	Comment string `json:"comment"`
}

type CreateCommentResult struct {
	Comment *Comment  `json:"comment,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) CreateComment(createComment *CreateCommentArgs, callback CreateCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/create-comment", self.apiUrl),
		createComment,
		self.jwt,
		&CreateCommentResult{},
		callback,
	)
}

func (self *XCloneApi) CreateCommentSync(createComment *CreateCommentArgs) (*CreateCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/create-comment", self.apiUrl),
		createComment,
		self.jwt,
		&CreateCommentResult{},
		NewNoopApiCallback[*CreateCommentResult](),
	)
}

type DeleteCommentCallback apiCallback[*DeleteCommentResult]

type DeleteCommentArgs struct {
	CommentId Id `json:"commentId"`
}

type DeleteCommentResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) DeleteComment(deleteComment *DeleteCommentArgs, callback DeleteCommentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/delete-comment", self.apiUrl),
		deleteComment,
		self.jwt,
		&DeleteCommentResult{},
		callback,
	)
}

func (self *XCloneApi) DeleteCommentSync(deleteComment *DeleteCommentArgs) (*DeleteCommentResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/delete-comment", self.apiUrl),
		deleteComment,
		self.jwt,
		&DeleteCommentResult{},
		NewNoopApiCallback[*DeleteCommentResult](),
	)
}

type CreatePostLikeCallback apiCallback[*CreatePostLikeResult]

type CreatePostLikeArgs struct {
	PostId Id `json:"postId"`
	UserId Id `json:"userId"`
}

type CreatePostLikeResult struct {
	PostLike *PostLike `json:"postLike,omitempty"`
	Error    *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) CreatePostLike(createPostLike *CreatePostLikeArgs, callback CreatePostLikeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/create-like", self.apiUrl),
		createPostLike,
		self.jwt,
		&CreatePostLikeResult{},
		callback,
	)
}

func (self *XCloneApi) CreatePostLikeSync(createPostLike *CreatePostLikeArgs) (*CreatePostLikeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/create-like", self.apiUrl),
		createPostLike,
		self.jwt,
		&CreatePostLikeResult{},
		NewNoopApiCallback[*CreatePostLikeResult](),
	)
}

type RemovePostLikeCallback apiCallback[*RemovePostLikeResult]

type RemovePostLikeArgs struct {
	PostId Id `json:"postId"`
	UserId Id `json:"userId"`
}

type RemovePostLikeResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) RemovePostLike(removePostLike *RemovePostLikeArgs, callback RemovePostLikeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/feed/remove-like", self.apiUrl),
		removePostLike,
		self.jwt,
		&RemovePostLikeResult{},
		callback,
	)
}

func (self *XCloneApi) RemovePostLikeSync(removePostLike *RemovePostLikeArgs) (*RemovePostLikeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/feed/remove-like", self.apiUrl),
		removePostLike,
		self.jwt,
		&RemovePostLikeResult{},
		NewNoopApiCallback[*RemovePostLikeResult](),
	)
}

type GetUserDataCallback apiCallback[*GetUserDataResult]

type GetUserDataResult struct {
	User  *Profile  `json:"user,omitempty"`
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) GetUserData(userId Id, callback GetUserDataCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/users/%s", self.apiUrl, userId),
		self.jwt,
		&GetUserDataResult{},
		callback,
	)
}

func (self *XCloneApi) GetUserDataSync(userId Id) (*GetUserDataResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/users/%s", self.apiUrl, userId),
		self.jwt,
		&GetUserDataResult{},
		NewNoopApiCallback[*GetUserDataResult](),
	)
}

type UpdateUserDataCallback apiCallback[*UpdateUserDataResult]

type UpdateUserDataArgs struct {
	UserId      Id     `json:"userId"`
	Name        string `json:"name"`
	Image       string `json:"image,omitempty"`
	Bio         string `json:"bio,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Address     string `json:"address,omitempty"`
}

type UpdateUserDataResult struct {
	Error *ApiError `json:"error,omitempty"`
}

func (self *XCloneApi) UpdateUserData(updateUserData *UpdateUserDataArgs, callback UpdateUserDataCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/users/update", self.apiUrl),
		updateUserData,
		self.jwt,
		&UpdateUserDataResult{},
		callback,
	)
}

func (self *XCloneApi) UpdateUserDataSync(updateUserData *UpdateUserDataArgs) (*UpdateUserDataResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/users/update", self.apiUrl),
		updateUserData,
		self.jwt,
		&UpdateUserDataResult{},
		NewNoopApiCallback[*UpdateUserDataResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, jwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, jwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
