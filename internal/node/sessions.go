package node

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dbin-net/dbin/internal/protocol"
	"github.com/dbin-net/dbin/internal/transfer"
)

// ack is the receiver's answer to a REQUEST_UPLOAD.
type ack struct {
	port   int
	reason string // non-empty when rejected
}

// SessionInfo describes a live transfer worker.
type SessionInfo struct {
	ID        string
	Peer      string
	Filename  string
	Direction transfer.Direction
	Started   time.Time
}

type liveSession struct {
	info   SessionInfo
	cancel context.CancelFunc
}

// SessionManager tracks every transfer worker the node has started, so
// shutdown can cancel and join them, and the push waiters that are blocked
// on an acknowledgement.
type SessionManager struct {
	mu   sync.Mutex
	live map[string]*liveSession
	wg   sync.WaitGroup

	// pending holds pushes waiting for READY_TO_RECEIVE or REJECTED.
	// Key = receiver identity + filename.
	pending map[string]chan ack

	// pulls holds outstanding fetch-back requests and when they lapse, so a
	// READY_TO_SEND that nobody asked for is not acted on.
	pulls map[string]time.Time
}

func newSessionManager() *SessionManager {
	return &SessionManager{
		live:    make(map[string]*liveSession),
		pending: make(map[string]chan ack),
		pulls:   make(map[string]time.Time),
	}
}

func transferKey(peer, filename string) string {
	return peer + "\x00" + filename
}

// Go runs fn on a tracked worker goroutine. fn gets a context that is
// cancelled at shutdown.
func (sm *SessionManager) Go(ctx context.Context, info SessionInfo, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	info.Started = time.Now()
	sm.mu.Lock()
	sm.live[info.ID] = &liveSession{info: info, cancel: cancel}
	sm.mu.Unlock()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer func() {
			cancel()
			sm.mu.Lock()
			delete(sm.live, info.ID)
			sm.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// Active returns a snapshot of the live workers.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.live))
	for _, s := range sm.live {
		out = append(out, s.info)
	}
	return out
}

// Shutdown cancels every worker and waits up to grace for them to return.
// It reports whether all of them did.
func (sm *SessionManager) Shutdown(grace time.Duration) bool {
	sm.mu.Lock()
	for _, s := range sm.live {
		s.cancel()
	}
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

var errPushInFlight = errors.New("push already in flight")

// expectAck registers a push waiting for the receiver's answer.
func (sm *SessionManager) expectAck(peer, filename string) (<-chan ack, error) {
	key := transferKey(peer, filename)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, busy := sm.pending[key]; busy {
		return nil, errPushInFlight
	}
	ch := make(chan ack, 1)
	sm.pending[key] = ch
	return ch, nil
}

func (sm *SessionManager) dropAck(peer, filename string) {
	sm.mu.Lock()
	delete(sm.pending, transferKey(peer, filename))
	sm.mu.Unlock()
}

// resolveAck hands a to the push waiting on (peer, filename). It reports
// false if nobody is waiting.
func (sm *SessionManager) resolveAck(peer, filename string, a ack) bool {
	sm.mu.Lock()
	ch, ok := sm.pending[transferKey(peer, filename)]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- a:
	default:
	}
	return true
}

// expectPull records a fetch-back that stays answerable for ttl. Requests
// whose answer never came are pruned here.
func (sm *SessionManager) expectPull(peer, filename string, ttl time.Duration) {
	now := time.Now()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for key, deadline := range sm.pulls {
		if now.After(deadline) {
			delete(sm.pulls, key)
		}
	}
	sm.pulls[transferKey(peer, filename)] = now.Add(ttl)
}

// takePull consumes an outstanding fetch-back request.
func (sm *SessionManager) takePull(peer, filename string) bool {
	key := transferKey(peer, filename)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	deadline, ok := sm.pulls[key]
	if !ok {
		return false
	}
	delete(sm.pulls, key)
	return !time.Now().After(deadline)
}

// runSession drives a server-side transfer session on a tracked worker.
// done is called with the outcome on the worker goroutine.
func (n *Node) runSession(ctx context.Context, sess *transfer.Session, done func(transfer.Result, error)) {
	info := SessionInfo{
		ID:        sess.ID,
		Peer:      sess.Peer,
		Filename:  sess.Filename,
		Direction: sess.Direction,
	}
	n.sessions.Go(ctx, info, func(ctx context.Context) {
		res, err := sess.Run(ctx)
		if err != nil {
			log.Printf("node: session %s (%s %s with %s): %v", sess.ID, sess.Direction, sess.Filename, sess.Peer, err)
		}
		done(res, err)
	})
}

// rejectReason maps a local failure onto the reason sent in REJECTED.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, transfer.ErrBind):
		return "transfer port busy"
	case errors.Is(err, protocol.ErrFilename):
		return "bad filename"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed request"
	}
	return "unavailable"
}
