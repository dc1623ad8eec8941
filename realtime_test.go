package xclone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// websocket server side for the realtime protocol, used to exercise the
// production client
type testRealtimeServer struct {
	t *testing.T

	server   *httptest.Server
	upgrader websocket.Upgrader

	auths         chan string
	subscribes    chan *realtimeFrame
	unsubscribes  chan *realtimeFrame
	stateLock     sync.Mutex
	conn          *websocket.Conn
	connWriteLock sync.Mutex
}

func newTestRealtimeServer(t *testing.T) *testRealtimeServer {
	rtServer := &testRealtimeServer{
		t:            t,
		auths:        make(chan string, 16),
		subscribes:   make(chan *realtimeFrame, 16),
		unsubscribes: make(chan *realtimeFrame, 16),
	}
	rtServer.server = httptest.NewServer(http.HandlerFunc(rtServer.handle))
	return rtServer
}

func (self *testRealtimeServer) Close() {
	self.server.Close()
}

func (self *testRealtimeServer) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testRealtimeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conn = conn
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conn = nil
	}()

	for {
		frame := &realtimeFrame{}
		if err := conn.ReadJSON(frame); err != nil {
			return
		}
		switch frame.Type {
		case frameTypeAuth:
			self.auths <- frame.Jwt
		case frameTypeSubscribe:
			self.subscribes <- frame
		case frameTypeUnsubscribe:
			self.unsubscribes <- frame
		case frameTypePing:
			self.write(&realtimeFrame{Type: frameTypePong})
		}
	}
}

func (self *testRealtimeServer) write(frame *realtimeFrame) {
	var conn *websocket.Conn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		conn = self.conn
	}()
	if conn == nil {
		self.t.Fatal("no active connection")
	}
	self.connWriteLock.Lock()
	defer self.connWriteLock.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		self.t.Fatal(err)
	}
}

func (self *testRealtimeServer) dropConnection() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.conn != nil {
		self.conn.Close()
	}
}

func TestRealtimeClientSubscribeAndDispatch(t *testing.T) {
	rtServer := newTestRealtimeServer(t)
	defer rtServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewRealtimeClientWithDefaults(ctx, rtServer.Url(), "test-jwt")
	defer client.Close()

	events := make(chan *ChangeEvent, 16)
	unsub := client.Subscribe(&ChangeFilter{
		Table: TablePosts,
	}, func(event *ChangeEvent) {
		events <- event
	})

	select {
	case jwt := <-rtServer.auths:
		assert.Equal(t, "test-jwt", jwt)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	var subscribe *realtimeFrame
	select {
	case subscribe = <-rtServer.subscribes:
		assert.Equal(t, TablePosts, subscribe.Filter.Table)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscribe")
	}

	post := testPost(NewId(), "over the wire", time.Now())
	rtServer.write(&realtimeFrame{
		Type:           frameTypeEvent,
		SubscriptionId: subscribe.SubscriptionId,
		Event:          insertEvent(TablePosts, post),
	})

	select {
	case event := <-events:
		assert.Equal(t, ChangeEventInsert, event.Type)
		assert.Equal(t, TablePosts, event.Table)
		received := &Post{}
		assert.Equal(t, nil, event.UnmarshalRecord(received))
		assert.Equal(t, post.PostId, received.PostId)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	unsub()
	select {
	case unsubscribe := <-rtServer.unsubscribes:
		assert.Equal(t, *subscribe.SubscriptionId, *unsubscribe.SubscriptionId)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	// events for a removed subscription are dropped
	rtServer.write(&realtimeFrame{
		Type:           frameTypeEvent,
		SubscriptionId: subscribe.SubscriptionId,
		Event:          insertEvent(TablePosts, post),
	})
	select {
	case <-events:
		t.Fatal("event dispatched after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRealtimeClientReadsAheadOfSlowConsumer(t *testing.T) {
	rtServer := newTestRealtimeServer(t)
	defer rtServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewRealtimeClientWithDefaults(ctx, rtServer.Url(), "test-jwt")
	defer client.Close()

	block := make(chan struct{})
	received := make(chan *ChangeEvent, 16)
	unsub := client.Subscribe(&ChangeFilter{
		Table: TablePosts,
	}, func(event *ChangeEvent) {
		<-block
		received <- event
	})
	defer unsub()

	var subscribe *realtimeFrame
	select {
	case subscribe = <-rtServer.subscribes:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscribe")
	}

	posts := []*Post{}
	for i := 0; i < 4; i += 1 {
		post := testPost(NewId(), "burst", time.Now())
		posts = append(posts, post)
		rtServer.write(&realtimeFrame{
			Type:           frameTypeEvent,
			SubscriptionId: subscribe.SubscriptionId,
			Event:          insertEvent(TablePosts, post),
		})
	}

	// the read loop keeps draining the connection while the first callback
	// is blocked: one event is held by the callback, the rest are queued
	deadline := time.Now().Add(5 * time.Second)
	for len(client.dispatchQueue) != 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 3, len(client.dispatchQueue))

	close(block)
	// queued events arrive in order once the consumer unblocks
	for _, post := range posts {
		select {
		case event := <-received:
			receivedPost := &Post{}
			assert.Equal(t, nil, event.UnmarshalRecord(receivedPost))
			assert.Equal(t, post.PostId, receivedPost.PostId)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for queued event")
		}
	}
}

func TestRealtimeClientResubscribesOnReconnect(t *testing.T) {
	rtServer := newTestRealtimeServer(t)
	defer rtServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRealtimeClientSettings()
	settings.ReconnectTimeout = 100 * time.Millisecond

	client := NewRealtimeClient(ctx, rtServer.Url(), "test-jwt", settings)
	defer client.Close()

	events := make(chan *ChangeEvent, 16)
	unsub := client.Subscribe(&ChangeFilter{
		Table: TableComments,
	}, func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()

	select {
	case <-rtServer.subscribes:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first subscribe")
	}

	rtServer.dropConnection()

	// the client reconnects and replays the active subscription
	var replayed *realtimeFrame
	select {
	case replayed = <-rtServer.subscribes:
		assert.Equal(t, TableComments, replayed.Filter.Table)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for replayed subscribe")
	}

	comment := &Comment{
		CommentId: NewId(),
		PostId:    NewId(),
		UserId:    NewId(),
		Comment:   "still here",
	}
	rtServer.write(&realtimeFrame{
		Type:           frameTypeEvent,
		SubscriptionId: replayed.SubscriptionId,
		Event:          insertEvent(TableComments, comment),
	})

	select {
	case event := <-events:
		assert.Equal(t, ChangeEventInsert, event.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event after reconnect")
	}
}
