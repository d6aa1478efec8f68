package diametertxn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *workerpool.Pool {
	t.Helper()
	pool := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 16})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	return pool
}

func TestSendAndHandleAnswerMatchesBySessionID(t *testing.T) {
	pool := newTestPool(t)
	l := New(pool, time.Second, nil, nil)
	defer l.Close()

	done := make(chan *Answer, 1)
	req := &Request{Command: "MAR", AVPs: map[string]interface{}{"impi": "alice@ex.com"}}

	err := l.Send(context.Background(), req, func(*Request) error { return nil }, func(ans *Answer, err error) {
		assert.NoError(t, err)
		done <- ans
	})
	require.NoError(t, err)
	require.NotEmpty(t, req.SessionID)

	l.HandleAnswer(&Answer{SessionID: req.SessionID, Command: "MAA", ResultCode: 2001})

	select {
	case ans := <-done:
		assert.Equal(t, 2001, ans.ResultCode)
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	assert.Equal(t, 0, l.PendingCount())
}

func TestSendTimesOutWhenNoAnswerArrives(t *testing.T) {
	pool := newTestPool(t)
	l := New(pool, 20*time.Millisecond, nil, nil)
	defer l.Close()

	done := make(chan error, 1)
	req := &Request{Command: "LIR"}
	err := l.Send(context.Background(), req, func(*Request) error { return nil }, func(ans *Answer, err error) {
		done <- err
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, core.Timeout, core.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("timeout callback never ran")
	}
}

func TestLateAnswerAfterTimeoutIsDiscarded(t *testing.T) {
	pool := newTestPool(t)
	l := New(pool, 10*time.Millisecond, nil, nil)
	defer l.Close()

	calls := make(chan struct{}, 2)
	req := &Request{Command: "UAR"}
	err := l.Send(context.Background(), req, func(*Request) error { return nil }, func(ans *Answer, err error) {
		calls <- struct{}{}
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	l.HandleAnswer(&Answer{SessionID: req.SessionID, Command: "UAA", ResultCode: 2001})

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never ran")
	}
	select {
	case <-calls:
		t.Fatal("late answer should not have invoked the callback a second time")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendFailureUnwindsPendingAndTimer(t *testing.T) {
	pool := newTestPool(t)
	l := New(pool, time.Second, nil, nil)
	defer l.Close()

	req := &Request{Command: "SAR"}
	transmitErr := errors.New("peer unreachable")
	err := l.Send(context.Background(), req, func(*Request) error { return transmitErr }, func(*Answer, error) {
		t.Fatal("callback must not run when transmit fails")
	})
	require.ErrorIs(t, err, transmitErr)
	assert.Equal(t, 0, l.PendingCount())
}

func TestHandlePushDeliversToRegisteredHandler(t *testing.T) {
	pool := newTestPool(t)
	l := New(pool, time.Second, nil, nil)
	defer l.Close()

	var got *PushRequest
	l.RegisterPushHandler("PPR", func(ctx context.Context, req *PushRequest) (*PushAnswer, error) {
		got = req
		return &PushAnswer{ResultCode: 2001}, nil
	})

	done := make(chan *PushAnswer, 1)
	l.HandlePush(&PushRequest{SessionID: "sess-1", Command: "PPR", AVPs: map[string]interface{}{"impi": "alice@ex.com"}},
		func(pa *PushAnswer, err error) {
			assert.NoError(t, err)
			done <- pa
		})

	select {
	case pa := <-done:
		require.NotNil(t, got)
		assert.Equal(t, "alice@ex.com", got.AVPs["impi"])
		assert.Equal(t, 2001, pa.ResultCode)
	case <-time.After(time.Second):
		t.Fatal("push handler never ran")
	}
}

func TestHandlePushWithNoRegisteredHandlerAcksFailure(t *testing.T) {
	pool := newTestPool(t)
	l := New(pool, time.Second, nil, nil)
	defer l.Close()

	done := make(chan error, 1)
	l.HandlePush(&PushRequest{SessionID: "sess-2", Command: "RTR"}, func(pa *PushAnswer, err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, core.Unknown, core.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("ack never ran")
	}
}
