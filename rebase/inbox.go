package rebase

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"rebaser/apperror"
	"rebaser/proto"
)

// Replier delivers a response to the inbox a request named in ReplyTo.
type Replier interface {
	Reply(ctx context.Context, to string, resp *proto.EnqueueUpdatesResponse) error
}

// Inbox is an in-process Replier. Callers open a named inbox, put its name
// in ReplyTo and wait on the returned channel.
type Inbox struct {
	mu      sync.Mutex
	waiters map[string]chan *proto.EnqueueUpdatesResponse
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{waiters: make(map[string]chan *proto.EnqueueUpdatesResponse)}
}

// Open registers a fresh inbox. The returned func releases it.
func (i *Inbox) Open() (string, <-chan *proto.EnqueueUpdatesResponse, func()) {
	name := "inbox." + uuid.NewString()
	ch := make(chan *proto.EnqueueUpdatesResponse, 1)

	i.mu.Lock()
	i.waiters[name] = ch
	i.mu.Unlock()

	return name, ch, func() {
		i.mu.Lock()
		delete(i.waiters, name)
		i.mu.Unlock()
	}
}

// deliver hands resp to a waiting inbox and reports whether one was open.
// Each inbox receives one response.
func (i *Inbox) deliver(to string, resp *proto.EnqueueUpdatesResponse) bool {
	i.mu.Lock()
	ch, ok := i.waiters[to]
	if ok {
		delete(i.waiters, to)
	}
	i.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Reply implements Replier.
func (i *Inbox) Reply(_ context.Context, to string, resp *proto.EnqueueUpdatesResponse) error {
	if !i.deliver(to, resp) {
		return apperror.NotFound("no open inbox %q", to)
	}
	return nil
}
