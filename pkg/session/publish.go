package session

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// typingPublisher sends local typing state from a single goroutine, so a
// start followed by a stop reaches persistence in that order. Updates still
// queued for a conversation collapse to the latest one.
type typingPublisher struct {
	db Persistence

	mu      sync.Mutex
	pending map[string]bool
	order   []string
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newTypingPublisher(db Persistence) *typingPublisher {
	return &typingPublisher{
		db:      db,
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// publish queues a state change without blocking.
func (p *typingPublisher) publish(conversationID string, typing bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, queued := p.pending[conversationID]; !queued {
		p.order = append(p.order, conversationID)
	}
	p.pending[conversationID] = typing
	p.mu.Unlock()
	p.signal()
}

func (p *typingPublisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *typingPublisher) next() (conversationID string, typing, ok, stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return "", false, false, p.stopped
	}
	conversationID = p.order[0]
	p.order = p.order[1:]
	typing = p.pending[conversationID]
	delete(p.pending, conversationID)
	return conversationID, typing, true, p.stopped
}

func (p *typingPublisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		conversationID, typing, ok, stopped := p.next()
		if ok {
			if err := p.db.SetTyping(ctx, conversationID, typing); err != nil {
				jww.DEBUG.Printf("[session] publishing typing for %s: %v", conversationID, err)
			}
			continue
		}
		if stopped {
			return
		}
		select {
		case <-p.wake:
		case <-ctx.Done():
			return
		}
	}
}

// stop refuses further updates and waits until the queued ones are sent.
func (p *typingPublisher) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.signal()
	<-p.done
}
