// Package diametertxn implements C5: the Diameter transaction bookkeeping
// shared by every Cx command — matching answers to their request by
// session-id, arming and cancelling a per-transaction timer, and running
// completion callbacks on a worker pool so user code never blocks the
// layer's own transaction map.
//
// Actual Diameter wire encoding/transport is outside this layer's scope
// (spec's peripheral-CLI Non-goals bucket covers peer transport); Send
// takes a transmit callback so the caller (hssconn's DiameterHssConnection)
// supplies however it gets bytes to the peer.
package diametertxn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/stats"
	"github.com/homestead/hsscache/workerpool"
)

// Request is a typed Cx request: a command name plus its AVPs, keyed once
// sent by SessionID (assigned by Send if empty).
type Request struct {
	SessionID string
	Command   string // "MAR", "UAR", "LIR", "SAR"
	AVPs      map[string]interface{}
}

// Answer is a typed Cx answer: a command name plus its AVPs, matched back
// to a Request by SessionID.
type Answer struct {
	SessionID          string
	Command            string
	ResultCode         int
	ExperimentalResult int
	AVPs               map[string]interface{}
}

// Callback receives the answer on success, or a non-nil err (core.ErrTimeout
// on timer expiry) on failure. Exactly one of ans/err is meaningful.
type Callback func(ans *Answer, err error)

// PushRequest is an HSS-initiated request with no prior Send to match
// against: PPR or RTR arrive unsolicited, spec §2's "On HSS push (PPR/RTR),
// C5 delivers an unsolicited request to C6" path.
type PushRequest struct {
	SessionID string
	Command   string // "PPR", "RTR"
	AVPs      map[string]interface{}
}

// PushAnswer is the acknowledgement (PPA/RTA) a PushHandler hands back.
type PushAnswer struct {
	ResultCode int
	AVPs       map[string]interface{}
}

// PushHandler processes one inbound unsolicited request and returns the
// acknowledgement to send back, or an error if it could not be handled.
type PushHandler func(ctx context.Context, req *PushRequest) (*PushAnswer, error)

type pendingTxn struct {
	request  *Request
	callback Callback
	started  time.Time
}

// Layer is C5: single-writer pending-transaction map (guarded by mu, which
// plays the role of the dedicated I/O thread the spec describes), a timer
// per in-flight transaction, and a worker pool so callbacks never run
// inline on whatever goroutine matched the answer.
type Layer struct {
	mu      sync.Mutex
	pending map[string]*pendingTxn

	pushHandlers map[string]PushHandler

	timers  *workerpool.TimerWheel
	pool    *workerpool.Pool
	timeout time.Duration

	recorder *stats.Recorder
	logger   core.Logger
}

// New builds a Layer. pool runs completion callbacks; timeout is the
// per-transaction timer duration (spec §6.4's diameter_timeout_ms).
func New(pool *workerpool.Pool, timeout time.Duration, recorder *stats.Recorder, logger core.Logger) *Layer {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hss/diameter")
	}
	return &Layer{
		pending:      make(map[string]*pendingTxn),
		pushHandlers: make(map[string]PushHandler),
		timers:       workerpool.NewTimerWheel(),
		pool:         pool,
		timeout:      timeout,
		recorder:     recorder,
		logger:       logger,
	}
}

// Send registers req as pending, arms its timer, then invokes transmit to
// actually hand the request to the peer. If transmit fails, the pending
// entry and timer are unwound and the error is returned synchronously
// (no callback fires). Otherwise cb fires exactly once, either from
// HandleAnswer or from timer expiry.
func (l *Layer) Send(ctx context.Context, req *Request, transmit func(*Request) error, cb Callback) error {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	l.mu.Lock()
	if _, exists := l.pending[req.SessionID]; exists {
		l.mu.Unlock()
		return core.NewError("diametertxn.Send", core.InvalidRequest, req.SessionID, core.ErrInvalidRequest)
	}
	l.pending[req.SessionID] = &pendingTxn{request: req, callback: cb, started: time.Now()}
	l.mu.Unlock()

	sessionID := req.SessionID
	l.timers.Start(sessionID, l.timeout, func() { l.onTimeout(sessionID) })

	if err := transmit(req); err != nil {
		l.mu.Lock()
		delete(l.pending, sessionID)
		l.mu.Unlock()
		l.timers.Cancel(sessionID)
		return err
	}
	return nil
}

// HandleAnswer matches ans to its pending request by session-id, cancels
// the timer, and dispatches the callback on the worker pool. An answer
// with no matching pending transaction (already timed out, or a duplicate)
// is logged and discarded, per spec §4.5 step 4.
func (l *Layer) HandleAnswer(ans *Answer) {
	l.mu.Lock()
	txn, ok := l.pending[ans.SessionID]
	if ok {
		delete(l.pending, ans.SessionID)
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Warn("late or unmatched diameter answer discarded", map[string]interface{}{
			"session_id": ans.SessionID, "command": ans.Command,
		})
		return
	}
	l.timers.Cancel(ans.SessionID)
	l.dispatch(txn, ans, nil)
}

func (l *Layer) onTimeout(sessionID string) {
	l.mu.Lock()
	txn, ok := l.pending[sessionID]
	if ok {
		delete(l.pending, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	l.dispatch(txn, nil, core.NewError("diametertxn.Send", core.Timeout, sessionID, core.ErrTimeout))
}

// RegisterPushHandler installs the handler invoked for inbound unsolicited
// requests (PPR/RTR) carrying the given command. Only one handler per
// command; a later registration replaces an earlier one.
func (l *Layer) RegisterPushHandler(command string, h PushHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushHandlers[command] = h
}

// HandlePush delivers an HSS-initiated request with no matching Send to its
// registered handler, running the handler on the worker pool so it never
// blocks whatever goroutine is decoding inbound Diameter traffic, then
// passes the handler's PPA/RTA to ack. A command with no registered handler
// is logged and acknowledged with a generic failure, mirroring
// HandleAnswer's treatment of an unmatched answer.
func (l *Layer) HandlePush(req *PushRequest, ack func(*PushAnswer, error)) {
	l.mu.Lock()
	h, ok := l.pushHandlers[req.Command]
	l.mu.Unlock()
	if !ok {
		l.logger.Warn("unsolicited request with no registered handler discarded", map[string]interface{}{
			"session_id": req.SessionID, "command": req.Command,
		})
		ack(nil, core.NewError("diametertxn.HandlePush", core.Unknown, req.SessionID, core.ErrUnknown))
		return
	}

	started := time.Now()
	run := func(ctx context.Context) error {
		pa, herr := h(ctx, req)
		if l.recorder != nil {
			l.recorder.HssLatencyUs(context.Background(), req.Command, float64(time.Since(started).Microseconds()))
		}
		ack(pa, herr)
		return nil
	}
	if l.pool == nil {
		_ = run(context.Background())
		return
	}
	item := workerpool.WorkItem{Name: "diametertxn." + req.Command, Run: run}
	if subErr := l.pool.Submit(context.Background(), item); subErr != nil {
		l.logger.Error("failed to submit push handler to worker pool", map[string]interface{}{
			"session_id": req.SessionID, "error": subErr.Error(),
		})
		ack(nil, subErr)
	}
}

func (l *Layer) dispatch(txn *pendingTxn, ans *Answer, err error) {
	latency := time.Since(txn.started)
	if l.recorder != nil {
		l.recorder.HssLatencyUs(context.Background(), txn.request.Command, float64(latency.Microseconds()))
	}

	item := workerpool.WorkItem{
		Name: "diametertxn." + txn.request.Command,
		Run: func(context.Context) error {
			txn.callback(ans, err)
			return nil
		},
	}
	if l.pool == nil {
		txn.callback(ans, err)
		return
	}
	if subErr := l.pool.Submit(context.Background(), item); subErr != nil {
		l.logger.Error("failed to submit diameter callback to worker pool", map[string]interface{}{
			"session_id": txn.request.SessionID, "error": subErr.Error(),
		})
	}
}

// PendingCount reports the number of in-flight transactions, for tests and
// introspection.
func (l *Layer) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close stops every armed timer without invoking any callbacks.
func (l *Layer) Close() {
	l.timers.Stop()
}
