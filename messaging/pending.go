package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-comms/contracts"
)

// Reply is the payload and metadata of a message answering an ask
type Reply struct {
	Data     json.RawMessage
	Metadata contracts.Metadata
}

// Decode unmarshals the reply payload into v
func (r *Reply) Decode(v interface{}) error {
	return json.Unmarshal(r.Data, v)
}

// Future is the pending result of an ask. It settles exactly once.
type Future struct {
	messageID string
	subject   string
	done      chan struct{}
	settled   atomic.Bool
	timer     *time.Timer
	reply     *Reply
	err       error
}

func newFuture(messageID, subject string) *Future {
	return &Future{
		messageID: messageID,
		subject:   subject,
		done:      make(chan struct{}),
	}
}

// settle records the outcome; only the first call has any effect
func (f *Future) settle(reply *Reply, err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.reply = reply
	f.err = err
	close(f.done)
	return true
}

// MessageID returns the correlation id of the request
func (f *Future) MessageID() string {
	return f.messageID
}

// Done is closed once the future settles
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends. Cancelling ctx does not
// settle the future; the ask deadline still applies.
func (f *Future) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingAsks maps correlation ids to unsettled futures
type PendingAsks struct {
	mu      sync.Mutex
	entries map[string]*Future
}

// NewPendingAsks creates an empty table
func NewPendingAsks() *PendingAsks {
	return &PendingAsks{
		entries: make(map[string]*Future),
	}
}

// Register adds an entry that fails with an AskTimeoutError once timeout
// elapses. An id that is still pending is rejected with ErrDuplicateAsk.
func (p *PendingAsks) Register(messageID, subject string, timeout time.Duration) (*Future, error) {
	f := newFuture(messageID, subject)

	p.mu.Lock()
	if _, exists := p.entries[messageID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", contracts.ErrDuplicateAsk, messageID)
	}
	p.entries[messageID] = f
	f.timer = time.AfterFunc(timeout, func() {
		p.settle(messageID, f, nil, &contracts.AskTimeoutError{
			MessageID: messageID,
			Subject:   subject,
			Timeout:   timeout,
		})
	})
	p.mu.Unlock()

	return f, nil
}

// Resolve settles the entry for messageID with reply. It returns false when
// no entry exists, which is the unmatched-reply case.
func (p *PendingAsks) Resolve(messageID string, reply *Reply) bool {
	return p.settle(messageID, nil, reply, nil)
}

// Fail settles the entry for messageID with err
func (p *PendingAsks) Fail(messageID string, err error) bool {
	return p.settle(messageID, nil, nil, err)
}

// Len returns the number of unsettled entries
func (p *PendingAsks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// settle removes the entry and settles its future. When expected is set
// only that exact future is removed, so a stale timer never touches a
// newer entry registered under the same id.
func (p *PendingAsks) settle(messageID string, expected *Future, reply *Reply, err error) bool {
	p.mu.Lock()
	f, ok := p.entries[messageID]
	if !ok || (expected != nil && f != expected) {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, messageID)
	p.mu.Unlock()

	return f.settle(reply, err)
}
