package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pasky/muaddib/internal/providers"
)

// ErrRetrySession signals that a queued command was released before its
// session got to it. The caller must re-enter as a new runner.
var ErrRetrySession = errors.New("steering session released before the command ran")

// SteeringKey scopes a steering session. Unthreaded messages key per
// sender so distinct users in the same channel run in parallel; threaded
// messages key on the thread so participants share one session.
type SteeringKey struct {
	Arc      string
	Subject  string // lowercased sender nick, or "*" for threads
	ThreadID string // empty when unthreaded
}

func (k SteeringKey) String() string {
	if k.ThreadID != "" {
		return fmt.Sprintf("%s/thread:%s", k.Arc, k.ThreadID)
	}
	return fmt.Sprintf("%s/%s", k.Arc, k.Subject)
}

// ItemKind distinguishes queued work items.
type ItemKind string

const (
	ItemCommand ItemKind = "command" // addressed to the bot, must produce a reply
	ItemPassive ItemKind = "passive" // overheard, may fold into context
)

// ReplySender delivers text back to the originating room.
type ReplySender func(ctx context.Context, text string) error

// QueuedItem is a message waiting inside a steering session. Its
// completion settles exactly once: nil on finish, an error on failure.
type QueuedItem struct {
	Kind             ItemKind
	Msg              *RoomMessage
	TriggerMessageID int64 // commands only
	Reply            ReplySender

	// Resolved is filled by the runner that processed this item, before
	// the completion settles.
	Resolved *ResolvedCommand

	once sync.Once
	err  error
	done chan struct{}
}

func newQueuedItem(kind ItemKind, msg *RoomMessage, triggerID int64, reply ReplySender) *QueuedItem {
	return &QueuedItem{
		Kind:             kind,
		Msg:              msg,
		TriggerMessageID: triggerID,
		Reply:            reply,
		done:             make(chan struct{}),
	}
}

func (it *QueuedItem) settle(err error) {
	it.once.Do(func() {
		it.err = err
		close(it.done)
	})
}

// Wait blocks until the item settles or ctx is cancelled.
func (it *QueuedItem) Wait(ctx context.Context) error {
	select {
	case <-it.done:
		return it.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type steeringSession struct {
	queue []*QueuedItem
	// wake is the single pending waiter channel, replaced, never stacked.
	wake chan struct{}
}

// SteeringQueue serialises agent runs per SteeringKey: at most one
// active runner per key, later arrivals queue behind it or get absorbed
// as mid-flight context.
type SteeringQueue struct {
	mu       sync.Mutex
	sessions map[SteeringKey]*steeringSession
}

func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{sessions: make(map[SteeringKey]*steeringSession)}
}

// KeyForMessage derives the steering key for a message.
func KeyForMessage(msg *RoomMessage) SteeringKey {
	if msg.ThreadID != "" {
		return SteeringKey{Arc: msg.Arc(), Subject: "*", ThreadID: msg.ThreadID}
	}
	return SteeringKey{Arc: msg.Arc(), Subject: strings.ToLower(msg.Nick)}
}

// SteeringContextMessage renders a queued message for injection into a
// running agent's context.
func SteeringContextMessage(msg *RoomMessage) providers.Message {
	return providers.Message{Role: "user", Content: fmt.Sprintf("<%s> %s", msg.Nick, msg.Content)}
}

// FinishItem settles an item as processed with no dedicated reply.
func FinishItem(item *QueuedItem) { item.settle(nil) }

// FailItem settles an item with an error.
func FailItem(item *QueuedItem, err error) { item.settle(err) }

// EnqueueCommand registers a command. When no session exists for the key
// one is created and the caller becomes its runner (isRunner true, the
// returned item is the caller's own work). Otherwise the item is
// appended to the existing session and the runner is woken.
func (q *SteeringQueue) EnqueueCommand(msg *RoomMessage, triggerID int64, reply ReplySender) (isRunner bool, key SteeringKey, item *QueuedItem) {
	key = KeyForMessage(msg)
	item = newQueuedItem(ItemCommand, msg, triggerID, reply)

	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sessions[key]
	if s == nil {
		q.sessions[key] = &steeringSession{}
		return true, key, item
	}
	s.queue = append(s.queue, item)
	s.wakeLocked()
	return false, key, item
}

// EnqueuePassive registers an overheard message. It queues behind an
// existing session; with no session and startProactive set, a session is
// created and the caller becomes a proactive runner. Otherwise nothing
// happens and both flags are false.
func (q *SteeringQueue) EnqueuePassive(msg *RoomMessage, reply ReplySender, startProactive bool) (queued, isProactiveRunner bool, key SteeringKey, item *QueuedItem) {
	key = KeyForMessage(msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sessions[key]
	if s == nil {
		if !startProactive {
			return false, false, key, nil
		}
		q.sessions[key] = &steeringSession{}
		return false, true, key, newQueuedItem(ItemPassive, msg, 0, reply)
	}
	item = newQueuedItem(ItemPassive, msg, 0, reply)
	s.queue = append(s.queue, item)
	s.wakeLocked()
	return true, false, key, item
}

// DrainSteeringContext empties the session's pending queue into context
// messages, finishing each drained item with no reply. Runners call this
// between agent turns.
func (q *SteeringQueue) DrainSteeringContext(key SteeringKey) []providers.Message {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil || len(s.queue) == 0 {
		q.mu.Unlock()
		return nil
	}
	drained := s.queue
	s.queue = nil
	q.mu.Unlock()

	msgs := make([]providers.Message, 0, len(drained))
	for _, item := range drained {
		FinishItem(item)
		msgs = append(msgs, SteeringContextMessage(item.Msg))
	}
	return msgs
}

// WaitForNewItem blocks until a new item arrives for the key or the
// timeout elapses. Returns "woken" or "timeout". Only one waiter is
// pending per session; a newer waiter replaces the old one, which also
// returns "woken". "woken" is therefore advisory: the queue may still be
// empty, and callers must re-check it rather than assume work exists.
func (q *SteeringQueue) WaitForNewItem(ctx context.Context, key SteeringKey, timeout time.Duration) string {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil {
		q.mu.Unlock()
		return "timeout"
	}
	if len(s.queue) > 0 {
		q.mu.Unlock()
		return "woken"
	}
	s.wakeLocked()
	ch := make(chan struct{})
	s.wake = ch
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return "woken"
	case <-timer.C:
	case <-ctx.Done():
	}
	q.mu.Lock()
	if s.wake == ch {
		s.wake = nil
	}
	q.mu.Unlock()
	return "timeout"
}

// wakeLocked fires and clears the pending waiter, if any. Callers hold
// the queue lock.
func (s *steeringSession) wakeLocked() {
	if s.wake != nil {
		close(s.wake)
		s.wake = nil
	}
}

// TakeNextWorkCompacted pops the next work item while compacting passive
// noise: passives queued before the first command are dropped, and with
// no command present only the last passive survives. Dropped items are
// finished as no-reply. An empty queue closes the session and returns
// nil.
func (q *SteeringQueue) TakeNextWorkCompacted(key SteeringKey) (dropped []*QueuedItem, next *QueuedItem) {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil {
		q.mu.Unlock()
		return nil, nil
	}
	if len(s.queue) == 0 {
		delete(q.sessions, key)
		q.mu.Unlock()
		return nil, nil
	}

	firstCommand := -1
	for i, item := range s.queue {
		if item.Kind == ItemCommand {
			firstCommand = i
			break
		}
	}
	if firstCommand >= 0 {
		dropped = s.queue[:firstCommand]
		next = s.queue[firstCommand]
		s.queue = append([]*QueuedItem(nil), s.queue[firstCommand+1:]...)
	} else {
		dropped = s.queue[:len(s.queue)-1]
		next = s.queue[len(s.queue)-1]
		s.queue = nil
	}
	q.mu.Unlock()

	for _, item := range dropped {
		FinishItem(item)
	}
	return dropped, next
}

// DrainSession removes the session and runs process over every item
// still queued, finishing each afterwards.
func (q *SteeringQueue) DrainSession(key SteeringKey, process func(*QueuedItem)) {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil {
		q.mu.Unlock()
		return
	}
	delete(q.sessions, key)
	remaining := s.queue
	q.mu.Unlock()

	for _, item := range remaining {
		if process != nil {
			process(item)
		}
		FinishItem(item)
	}
}

// ReleaseSession is the success-path teardown: the session is removed,
// leftover passives finish as no-reply, and leftover commands fail with
// ErrRetrySession so their callers re-enter as new runners.
func (q *SteeringQueue) ReleaseSession(key SteeringKey) {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil {
		q.mu.Unlock()
		return
	}
	delete(q.sessions, key)
	remaining := s.queue
	q.mu.Unlock()

	for _, item := range remaining {
		if item.Kind == ItemCommand {
			FailItem(item, ErrRetrySession)
		} else {
			FinishItem(item)
		}
	}
}

// AbortSession is the failure-path teardown: the session is removed and
// every queued item fails with the supplied error.
func (q *SteeringQueue) AbortSession(key SteeringKey, err error) []*QueuedItem {
	q.mu.Lock()
	s := q.sessions[key]
	if s == nil {
		q.mu.Unlock()
		return nil
	}
	delete(q.sessions, key)
	remaining := s.queue
	q.mu.Unlock()

	for _, item := range remaining {
		FailItem(item, err)
	}
	return remaining
}

// HasSession reports whether a session currently exists for the key.
func (q *SteeringQueue) HasSession(key SteeringKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.sessions[key]
	return ok
}
