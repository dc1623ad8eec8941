package xclone

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// change feeds deliver row-level events with at-least-once, best-effort-ordered
// delivery. there is no gap filling after a reconnect; consumers must merge
// idempotently by row identity.

type ChangeEventType string

const (
	ChangeEventInsert ChangeEventType = "INSERT"
	ChangeEventUpdate ChangeEventType = "UPDATE"
	ChangeEventDelete ChangeEventType = "DELETE"
)

type ChangeEvent struct {
	Type  ChangeEventType `json:"type"`
	Table string          `json:"table"`
	// row payload for INSERT and UPDATE
	Record json.RawMessage `json:"record,omitempty"`
	// row identity (at minimum the id column) for DELETE
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

func (self *ChangeEvent) UnmarshalRecord(out any) error {
	if self.Record == nil {
		return fmt.Errorf("change event %s %s has no record", self.Type, self.Table)
	}
	return json.Unmarshal(self.Record, out)
}

func (self *ChangeEvent) UnmarshalOldRecord(out any) error {
	if self.OldRecord == nil {
		return fmt.Errorf("change event %s %s has no old record", self.Type, self.Table)
	}
	return json.Unmarshal(self.OldRecord, out)
}

// server-side filter for one subscription. an empty Events list matches all
// event types. Column/Value is an optional equality predicate applied by the
// server, e.g. Column "postId" for one post's comments.
type ChangeFilter struct {
	Table  string            `json:"table"`
	Events []ChangeEventType `json:"events,omitempty"`
	Column string            `json:"column,omitempty"`
	Value  string            `json:"value,omitempty"`
}

type ChangeEventFunction = func(event *ChangeEvent)

// the router and reconcilers consume this surface. `RealtimeClient` is the
// production implementation.
type Realtime interface {
	// the returned function removes the subscription. it must be called on
	// view teardown so stale callbacks cannot mutate a discarded store.
	Subscribe(filter *ChangeFilter, callback ChangeEventFunction) func()
}

type RealtimeClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	EventQueueSize     int
}

func DefaultRealtimeClientSettings() *RealtimeClientSettings {
	return &RealtimeClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		EventQueueSize:     256,
	}
}

// wire frames between client and the realtime service. json encoded.
type realtimeFrame struct {
	Type string `json:"type"`

	Jwt string `json:"jwt,omitempty"`

	SubscriptionId *Id           `json:"subscriptionId,omitempty"`
	Filter         *ChangeFilter `json:"filter,omitempty"`

	Event *ChangeEvent `json:"event,omitempty"`
}

const (
	frameTypeAuth        = "auth"
	frameTypeSubscribe   = "subscribe"
	frameTypeUnsubscribe = "unsubscribe"
	frameTypeEvent       = "event"
	frameTypePing        = "ping"
	frameTypePong        = "pong"
)

type realtimeSubscription struct {
	subscriptionId Id
	filter         *ChangeFilter
	callback       ChangeEventFunction
}

type realtimeDispatch struct {
	subscriptionId Id
	event          *ChangeEvent
}

type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	realtimeUrl string
	jwt         string

	settings *RealtimeClientSettings

	stateLock     sync.Mutex
	subscriptions map[Id]*realtimeSubscription
	conn          *websocket.Conn
	writeLock     sync.Mutex

	dispatchQueue chan *realtimeDispatch
}

func NewRealtimeClientWithDefaults(ctx context.Context, realtimeUrl string, jwt string) *RealtimeClient {
	return NewRealtimeClient(ctx, realtimeUrl, jwt, DefaultRealtimeClientSettings())
}

func NewRealtimeClient(ctx context.Context, realtimeUrl string, jwt string, settings *RealtimeClientSettings) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RealtimeClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		realtimeUrl:   realtimeUrl,
		jwt:           jwt,
		settings:      settings,
		subscriptions: map[Id]*realtimeSubscription{},
		dispatchQueue: make(chan *realtimeDispatch, settings.EventQueueSize),
	}
	go client.run()
	go client.runDispatch()
	return client
}

// callbacks run off the read loop so a slow consumer does not stall the
// connection toward its read deadline. a single goroutine drains the queue,
// which keeps event order.
func (self *RealtimeClient) runDispatch() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case dispatch := <-self.dispatchQueue:
			self.dispatch(dispatch.subscriptionId, dispatch.event)
		}
	}
}

func (self *RealtimeClient) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		err := self.runConnection()
		if err != nil {
			glog.Infof("[realtime]connection err = %s\n", err)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RealtimeClient) runConnection() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.realtimeUrl, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	err = conn.WriteJSON(&realtimeFrame{
		Type: frameTypeAuth,
		Jwt:  self.jwt,
	})
	if err != nil {
		return err
	}

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

	// replay the active subscriptions. events missed while disconnected
	// are not recovered.
	for _, subscription := range self.activeSubscriptions() {
		err := self.writeFrame(conn, &realtimeFrame{
			Type:           frameTypeSubscribe,
			SubscriptionId: &subscription.subscriptionId,
			Filter:         subscription.filter,
		})
		if err != nil {
			return err
		}
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			err := self.writeFrame(conn, &realtimeFrame{
				Type: frameTypePing,
			})
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		frame := &realtimeFrame{}
		err := conn.ReadJSON(frame)
		if err != nil {
			return err
		}

		switch frame.Type {
		case frameTypeEvent:
			if frame.SubscriptionId == nil || frame.Event == nil {
				glog.Infof("[realtime]drop malformed event frame\n")
				continue
			}
			select {
			case self.dispatchQueue <- &realtimeDispatch{
				subscriptionId: *frame.SubscriptionId,
				event:          frame.Event,
			}:
			case <-handleCtx.Done():
				return nil
			}
		case frameTypePong:
		default:
			glog.V(2).Infof("[realtime]ignore frame type = %s\n", frame.Type)
		}
	}
}

func (self *RealtimeClient) activeSubscriptions() []*realtimeSubscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriptions := make([]*realtimeSubscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions
}

func (self *RealtimeClient) writeFrame(conn *websocket.Conn, frame *realtimeFrame) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (self *RealtimeClient) dispatch(subscriptionId Id, event *ChangeEvent) {
	var subscription *realtimeSubscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscription = self.subscriptions[subscriptionId]
	}()
	if subscription == nil {
		// unsubscribed while the event was in flight
		return
	}
	glog.V(2).Infof("[realtime]%s %s\n", event.Type, event.Table)
	subscription.callback(event)
}

// Realtime
func (self *RealtimeClient) Subscribe(filter *ChangeFilter, callback ChangeEventFunction) func() {
	subscription := &realtimeSubscription{
		subscriptionId: NewId(),
		filter:         filter,
		callback:       callback,
	}

	var conn *websocket.Conn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriptions[subscription.subscriptionId] = subscription
		conn = self.conn
	}()

	if conn != nil {
		err := self.writeFrame(conn, &realtimeFrame{
			Type:           frameTypeSubscribe,
			SubscriptionId: &subscription.subscriptionId,
			Filter:         filter,
		})
		if err != nil {
			// the reconnect path will replay the subscription
			glog.Infof("[realtime]subscribe write err = %s\n", err)
		}
	}

	return func() {
		var conn *websocket.Conn
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.subscriptions, subscription.subscriptionId)
			conn = self.conn
		}()
		if conn != nil {
			err := self.writeFrame(conn, &realtimeFrame{
				Type:           frameTypeUnsubscribe,
				SubscriptionId: &subscription.subscriptionId,
			})
			if err != nil {
				glog.Infof("[realtime]unsubscribe write err = %s\n", err)
			}
		}
	}
}

func (self *RealtimeClient) Close() {
	self.cancel()
}
