package xclone

import (
	"context"
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

var ErrSessionExpired = errors.New("session expired")

// claims of the backend's access token. the token is issued and verified by
// the backend; the client only reads the claims it needs.
type AuthJwt struct {
	UserId    Id
	Email     string
	ExpiresAt time.Time
}

func ParseAuthJwtUnverified(jwt string) (*AuthJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	authJwt := &AuthJwt{}

	if userIdStr, ok := claims["sub"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			authJwt.UserId = userId
		}
	}
	if email, ok := claims["email"]; ok {
		authJwt.Email = email.(string)
	}
	if exp, ok := claims["exp"]; ok {
		if expFloat, ok := exp.(float64); ok {
			authJwt.ExpiresAt = time.Unix(int64(expFloat), 0)
		}
	}

	return authJwt, nil
}

// the current principal and its point-in-time profile snapshot. the snapshot
// is only replaced by an explicit refresh (e.g. after a profile edit).
type Session struct {
	Jwt    string
	UserId Id
	Email  string
	User   *Profile
}

// delivers the current session, or nil on sign-out
type AuthStateFunction = func(session *Session)

// AuthClient owns the process-wide session. Views read the principal from
// here and treat it as read only.
type AuthClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	api *XCloneApi

	stateLock sync.Mutex
	session   *Session

	stateCallbacks *CallbackList[AuthStateFunction]
}

func NewAuthClient(ctx context.Context, api *XCloneApi) *AuthClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AuthClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		api:            api,
		stateCallbacks: NewCallbackList[AuthStateFunction](),
	}
}

func (self *AuthClient) AddAuthStateCallback(stateCallback AuthStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *AuthClient) LoginWithPassword(email string, password string) (*Session, error) {
	result, err := self.api.AuthLoginSync(&AuthLoginArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.New(result.Error.Message)
	}
	return self.setJwt(result.Jwt)
}

func (self *AuthClient) Signup(name string, email string, password string) (*Session, error) {
	result, err := self.api.AuthSignupSync(&AuthSignupArgs{
		Name:     name,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.New(result.Error.Message)
	}
	return self.setJwt(result.Jwt)
}

// resumes a persisted session
func (self *AuthClient) Resume(jwt string) (*Session, error) {
	return self.setJwt(jwt)
}

func (self *AuthClient) setJwt(jwt string) (*Session, error) {
	authJwt, err := ParseAuthJwtUnverified(jwt)
	if err != nil {
		return nil, err
	}
	if !authJwt.ExpiresAt.IsZero() && authJwt.ExpiresAt.Before(time.Now()) {
		return nil, ErrSessionExpired
	}

	self.api.SetJwt(jwt)

	session := &Session{
		Jwt:    jwt,
		UserId: authJwt.UserId,
		Email:  authJwt.Email,
	}
	session.User = self.loadProfile(authJwt.UserId, authJwt.Email)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.session = session
	}()

	for _, callback := range self.stateCallbacks.Get() {
		callback(session)
	}
	return session, nil
}

// the profile row joined with the email from the auth principal
func (self *AuthClient) loadProfile(userId Id, email string) *Profile {
	result, err := self.api.GetUserDataSync(userId)
	if err != nil || result.Error != nil || result.User == nil {
		glog.Infof("[auth]profile load failed for %s\n", userId)
		return &Profile{
			UserId: userId,
			Email:  email,
		}
	}
	user := result.User
	user.Email = email
	return user
}

// re-reads the profile snapshot, e.g. after a successful profile edit
func (self *AuthClient) RefreshProfile() *Profile {
	var session *Session
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		session = self.session
	}()
	if session == nil {
		return nil
	}

	user := self.loadProfile(session.UserId, session.Email)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.session == session {
			self.session.User = user
		}
	}()
	return user
}

func (self *AuthClient) SignOut() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.session = nil
	}()
	self.api.SetJwt("")

	for _, callback := range self.stateCallbacks.Get() {
		callback(nil)
	}
}

func (self *AuthClient) Session() *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session
}

func (self *AuthClient) Close() {
	self.cancel()
}
