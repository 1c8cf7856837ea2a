// Package ingest implements the write path: requests are validated and authorized, the message
// is persisted, and the resulting event is handed to the relay. When the relay is down or
// rejects the event, it's emitted directly to the sessions of this instance.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
	"golang.org/x/text/unicode/norm"
)

// Op is the requested operation.
type Op string

const (
	// OpCreate posts a new message.
	OpCreate Op = "create"
	// OpEdit replaces the content of a message.
	OpEdit Op = "edit"
	// OpDelete soft-deletes a message.
	OpDelete Op = "delete"
)

const (
	// DefaultMaxContentLength is the default limit on message content in grapheme clusters.
	DefaultMaxContentLength = 4096
	// Maximum length of a topic name in bytes.
	maxTopicLength = 255
)

// Request is a single write request.
type Request struct {
	Op    Op
	Topic string
	// Target message, edit and delete only.
	MessageId types.Uid
	// Authenticated member making the request.
	Member types.Uid

	Content *string
	FileUrl *string
}

// Publisher hands events to other instances.
type Publisher interface {
	Publish(ctx context.Context, ev *types.Event) error
	IsConnected() bool
}

// Emitter delivers events to the sessions connected to this instance.
type Emitter interface {
	Emit(ev *types.Event)
}

// Pipeline is the write path.
type Pipeline struct {
	Messages store.MessagesPersistenceInterface
	Members  store.MembersPersistenceInterface
	// Relay may be nil for a standalone instance.
	Relay  Publisher
	Local  Emitter
	Policy Policy
	// Maximum content length in grapheme clusters.
	MaxContentLength int
}

// New creates a pipeline with the default policy.
func New(messages store.MessagesPersistenceInterface, members store.MembersPersistenceInterface,
	relay Publisher, local Emitter) *Pipeline {
	return &Pipeline{
		Messages:         messages,
		Members:          members,
		Relay:            relay,
		Local:            local,
		Policy:           RolePolicy{},
		MaxContentLength: DefaultMaxContentLength,
	}
}

func invalid(what string) error {
	return fmt.Errorf("%s: %w", what, types.ErrInvalid)
}

// ValidTopic checks that the topic name is usable as a routing key.
func ValidTopic(topic string) bool {
	if topic == "" || len(topic) > maxTopicLength {
		return false
	}
	return strings.IndexFunc(topic, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '*' || r == '>'
	}) < 0
}

// Returns normalized content or nil if it's absent or blank.
func (p *Pipeline) normalize(content *string) (*string, error) {
	if content == nil {
		return nil, nil
	}
	text := strings.TrimSpace(norm.NFC.String(*content))
	if text == "" {
		return nil, nil
	}
	limit := p.MaxContentLength
	if limit <= 0 {
		limit = DefaultMaxContentLength
	}
	if uniseg.GraphemeClusterCount(text) > limit {
		return nil, invalid("content too long")
	}
	return &text, nil
}

func (p *Pipeline) validate(req *Request) error {
	if !ValidTopic(req.Topic) {
		return invalid("topic missing or invalid")
	}

	content, err := p.normalize(req.Content)
	if err != nil {
		return err
	}
	req.Content = content
	if req.FileUrl != nil && strings.TrimSpace(*req.FileUrl) == "" {
		req.FileUrl = nil
	}

	switch req.Op {
	case OpCreate:
		if req.Content == nil && req.FileUrl == nil {
			return invalid("content missing")
		}
	case OpEdit:
		if req.MessageId.IsZero() {
			return invalid("message id missing")
		}
		if req.Content == nil {
			return invalid("content missing")
		}
	case OpDelete:
		if req.MessageId.IsZero() {
			return invalid("message id missing")
		}
	default:
		return invalid("unknown operation")
	}
	return nil
}

// Submit performs the request. The persisted message is returned even if it could not be
// delivered to anyone.
func (p *Pipeline) Submit(ctx context.Context, req *Request) (*types.Message, error) {
	msg, err := p.submit(req)
	requestsTotal.WithLabelValues(string(req.Op), outcome(err)).Inc()
	if err != nil {
		return nil, err
	}

	op := types.OpCreated
	switch req.Op {
	case OpEdit:
		op = types.OpUpdated
	case OpDelete:
		op = types.OpDeleted
	}
	p.deliver(ctx, &types.Event{Topic: req.Topic, Op: op, Message: msg})
	return msg, nil
}

func (p *Pipeline) submit(req *Request) (*types.Message, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	if req.Member.IsZero() {
		return nil, types.ErrUnauthorized
	}

	mem, err := p.Members.Get(req.Topic, req.Member)
	if err != nil {
		return nil, err
	}

	if req.Op == OpCreate {
		if !p.Policy.CanPost(mem) {
			return nil, types.ErrForbidden
		}
		return p.Messages.Append(req.Topic, req.Member, req.Content, req.FileUrl)
	}

	msg, err := p.Messages.Get(req.Topic, req.MessageId)
	if err != nil {
		return nil, err
	}

	if req.Op == OpEdit {
		if !p.Policy.CanEdit(mem, msg) {
			return nil, types.ErrForbidden
		}
		return p.Messages.Edit(req.Topic, req.MessageId, *req.Content)
	}

	if !p.Policy.CanDelete(mem, msg) {
		return nil, types.ErrForbidden
	}
	return p.Messages.SoftDelete(req.Topic, req.MessageId)
}

// deliver publishes the event or, if that's impossible, emits it locally.
func (p *Pipeline) deliver(ctx context.Context, ev *types.Event) {
	if p.Relay != nil && p.Relay.IsConnected() {
		err := p.Relay.Publish(ctx, ev)
		if err == nil {
			deliveryTotal.WithLabelValues("relay").Inc()
			return
		}
		logs.Warn.Println("ingest: publish failed, emitting locally", ev.Topic, err)
	}

	deliveryTotal.WithLabelValues("fallback").Inc()
	if p.Local != nil {
		p.Local.Emit(ev)
	}
}
