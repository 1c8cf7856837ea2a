package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store/types"
)

const (
	// DefaultPageSize is the number of messages requested per page.
	DefaultPageSize = 10
	// DefaultPollInterval is how often the newest page is re-pulled while the channel is down.
	DefaultPollInterval = time.Second

	// Maximum number of pages pulled to reach the held history. A window further behind
	// is replaced with the pulled pages.
	catchUpPages = 20
)

// ErrStopped is returned by calls made after the controller has stopped.
var ErrStopped = errors.New("client: controller stopped")

// Mode is the delivery path currently in use.
type Mode int32

const (
	// ModePoll means the channel is down and history is re-pulled periodically.
	ModePoll Mode = iota
	// ModePush means changes arrive over the channel.
	ModePush
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "poll"
}

// Page is one page of history, newest first.
type Page struct {
	Items      []types.Message `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// Fetcher pulls pages of history. An empty cursor requests the newest page.
type Fetcher interface {
	Page(ctx context.Context, topic, cursor string, limit int) (*Page, error)
}

// ConnState is the state of the realtime channel.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Notice is sent by a Stream: either a state change or a pushed event.
type Notice struct {
	State ConnState
	// Event is non-nil for pushed events, State is ignored then.
	Event *types.Event
}

// Stream keeps a realtime channel joined to a topic and reports what happens to it.
// Listen blocks until ctx is cancelled or the channel is refused permanently. Sends to out
// must be abandoned once ctx is done.
type Stream interface {
	Listen(ctx context.Context, topic string, out chan<- Notice) error
}

// Config of a Controller.
type Config struct {
	Topic        string
	PageSize     int
	PollInterval time.Duration
}

type pullResult struct {
	items  []types.Message
	next   string
	// The pulled pages do not reach the held history.
	rebase bool
	err    error
}

type loadCursor struct {
	cursor string
	more   bool
}

type appendReq struct {
	cursor string
	page   *Page
	done   chan struct{}
}

// Controller maintains the Window of one topic. All window mutations happen on the
// goroutine executing Run, in arrival order.
type Controller struct {
	topic    string
	limit    int
	interval time.Duration

	fetcher Fetcher
	stream  Stream

	notices chan Notice
	pulls   chan pullResult
	loads   chan chan loadCursor
	appends chan *appendReq

	mode atomic.Int32

	// Copy of the window published after each change.
	snapLock sync.RWMutex
	snap     []types.Message
	more     bool

	changes chan struct{}
	done    chan struct{}
}

// NewController creates a controller. Call Run to start it.
func NewController(conf Config, fetcher Fetcher, stream Stream) *Controller {
	if conf.PageSize <= 0 {
		conf.PageSize = DefaultPageSize
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	return &Controller{
		topic:    conf.Topic,
		limit:    conf.PageSize,
		interval: conf.PollInterval,
		fetcher:  fetcher,
		stream:   stream,
		notices:  make(chan Notice, 64),
		pulls:    make(chan pullResult, 1),
		loads:    make(chan chan loadCursor),
		appends:  make(chan *appendReq),
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Mode returns the delivery path in use.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Live reports whether changes are pushed in real time.
func (c *Controller) Live() bool {
	return c.Mode() == ModePush
}

// Status is a human-readable connectivity indicator.
func (c *Controller) Status() string {
	if c.Live() {
		return "Live: real-time updates"
	}
	return fmt.Sprintf("Fallback: polling every %s", c.interval)
}

// Snapshot returns the current window content, newest first.
func (c *Controller) Snapshot() []types.Message {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.snap
}

// HasMore reports whether older history can be loaded.
func (c *Controller) HasMore() bool {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.more
}

// Changes signals after the window or the mode changes. Signals are coalesced.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) publish(win *Window) {
	c.snapLock.Lock()
	c.snap = win.Items()
	c.more = win.HasMore()
	c.snapLock.Unlock()
	c.notify()
}

func (c *Controller) setMode(m Mode) {
	if Mode(c.mode.Swap(int32(m))) != m {
		logs.Info.Println("client:", c.topic, c.Status())
		c.notify()
	}
}

// LoadMore pulls the next older page and appends it to the window. It returns once the
// page is merged. Nothing happens at the end of history.
func (c *Controller) LoadMore(ctx context.Context) error {
	reply := make(chan loadCursor, 1)
	select {
	case c.loads <- reply:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	cur := <-reply
	if !cur.more {
		return nil
	}

	page, err := c.fetcher.Page(ctx, c.topic, cur.cursor, c.limit)
	if err != nil {
		return err
	}

	req := &appendReq{cursor: cur.cursor, page: page, done: make(chan struct{})}
	select {
	case c.appends <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// catchUp pulls pages starting with the newest one until they reach the newest held
// message. If nothing is held, one page is pulled.
func (c *Controller) catchUp(ctx context.Context, newest *types.Message) pullResult {
	var res pullResult
	cursor := ""
	for i := 0; i < catchUpPages; i++ {
		page, err := c.fetcher.Page(ctx, c.topic, cursor, c.limit)
		if err != nil {
			return pullResult{err: err}
		}
		res.items = append(res.items, page.Items...)
		res.next = page.NextCursor
		if newest == nil {
			res.rebase = true
			return res
		}
		if page.NextCursor == "" || len(page.Items) == 0 || !before(&page.Items[len(page.Items)-1], newest) {
			return res
		}
		cursor = page.NextCursor
	}
	res.rebase = true
	return res
}

// Run seeds the window, opens the channel and applies changes until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	win := NewWindow()
	if page, err := c.fetcher.Page(ctx, c.topic, "", c.limit); err == nil {
		win.Seed(page.Items, page.NextCursor)
		c.publish(win)
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		logs.Warn.Println("client: initial page failed", c.topic, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.stream.Listen(streamCtx, c.topic, c.notices)
	}()

	// Poll until the channel is open.
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	tick := ticker.C

	pulling := false
	pull := func() {
		if pulling {
			return
		}
		pulling = true
		newest := win.Newest()
		go func() {
			res := c.catchUp(ctx, newest)
			select {
			case c.pulls <- res:
			case <-ctx.Done():
			}
		}()
	}
	startPolling := func() {
		if tick == nil {
			ticker.Reset(c.interval)
			tick = ticker.C
		}
		c.setMode(ModePoll)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-streamDone:
			streamDone = nil
			if err != nil {
				logs.Warn.Println("client: channel refused, polling only", c.topic, err)
			}
			startPolling()

		case n := <-c.notices:
			if n.Event != nil {
				if n.Event.Topic == c.topic && win.Apply(n.Event) {
					c.publish(win)
				}
				continue
			}
			if n.State == StateOpen {
				ticker.Stop()
				tick = nil
				c.setMode(ModePush)
				// Events published while the channel was down are not replayed.
				pull()
			} else {
				startPolling()
			}

		case <-tick:
			pull()

		case res := <-c.pulls:
			pulling = false
			if res.err != nil {
				if ctx.Err() == nil {
					logs.Warn.Println("client: pull failed", c.topic, res.err)
				}
				continue
			}
			if !win.Seeded() {
				win.Seed(res.items, res.next)
				c.publish(win)
			} else if res.rebase {
				if win.Rebase(res.items, res.next) {
					c.publish(win)
				}
			} else if win.Reconcile(res.items) {
				c.publish(win)
			}

		case reply := <-c.loads:
			reply <- loadCursor{cursor: win.NextCursor(), more: win.HasMore()}

		case req := <-c.appends:
			if req.cursor == win.NextCursor() {
				win.Append(req.page.Items, req.page.NextCursor)
			} else {
				// Another load moved the cursor meanwhile.
				win.Reconcile(req.page.Items)
			}
			c.publish(win)
			close(req.done)
		}
	}
}
