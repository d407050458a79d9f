package mbc

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestPendingCallFailFiresCallbackExactlyOnce(t *testing.T) {
	var calls int
	var gotErr error
	p := &pendingCall{cb: func(_ *dbus.Message, err error) { calls++; gotErr = err }}

	p.fail(ErrKilled)
	p.fail(ErrKilled)
	p.deliver(&dbus.Message{}, nil)

	if calls != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", calls)
	}
	if !errors.Is(gotErr, ErrKilled) {
		t.Fatalf("expected ErrKilled, got %v", gotErr)
	}
}

func TestPendingCallCancelSuppressesLateDelivery(t *testing.T) {
	var calls int
	p := &pendingCall{cb: func(_ *dbus.Message, _ error) { calls++ }}

	p.cancel()
	p.deliver(&dbus.Message{}, nil)
	p.fail(ErrKilled)

	if calls != 0 {
		t.Fatalf("expected a cancelled call to never invoke its callback, got %d calls", calls)
	}
}

func TestCallHandleCancelRemovesPendingEntry(t *testing.T) {
	c := &Connection{pending: map[uint64]*pendingCall{}}
	p := &pendingCall{}
	c.pending[7] = p

	h := &CallHandle{conn: c, id: 7, p: p}
	h.Cancel()

	if _, ok := c.pending[7]; ok {
		t.Fatal("expected Cancel to remove the pending-call entry")
	}
	if !p.cancelled {
		t.Fatal("expected Cancel to mark the underlying pendingCall cancelled")
	}
}

func TestCallAsyncOnKilledConnectionFailsImmediately(t *testing.T) {
	c := &Connection{}
	c.killed.Store(true)

	done := make(chan error, 1)
	c.CallAsync("dest", "/path", "iface", "Member", nil, func(_ *dbus.Message, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if !errors.Is(err, ErrKilled) {
			t.Fatalf("expected ErrKilled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCallNoReplyAndSendSignalNoOpOnKilledConnection(t *testing.T) {
	// Neither call touches c.conn until after the Killed check, so this
	// must not panic even though c.conn is nil.
	c := &Connection{}
	c.killed.Store(true)

	c.CallNoReply("dest", "/path", "iface", "Member", nil)
	c.SendSignal("/path", "iface", "Member")
}

func TestDecodeCallErrorMapsDBusErrorToErrorReply(t *testing.T) {
	err := decodeCallError(dbus.Error{Name: "org.example.Foo", Body: []interface{}{"boom"}})
	var er *ErrorReply
	if !errors.As(err, &er) {
		t.Fatalf("expected *ErrorReply, got %T (%v)", err, err)
	}
	if er.Name != "org.example.Foo" || er.Text != "boom" {
		t.Fatalf("unexpected ErrorReply: %+v", er)
	}
}

func TestDecodeCallErrorMissingNameAndBody(t *testing.T) {
	if err := decodeCallError(dbus.Error{}); !errors.Is(err, ErrNoErrorName) {
		t.Fatalf("expected ErrNoErrorName for an empty error name, got %v", err)
	}
	if err := decodeCallError(dbus.Error{Name: "org.example.Bar"}); !errors.Is(err, ErrNoErrorBody) {
		t.Fatalf("expected ErrNoErrorBody for a missing body, got %v", err)
	}
}

func TestDecodeCallErrorWrapsTransportFailure(t *testing.T) {
	err := decodeCallError(errors.New("write unix: broken pipe"))
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SendError for a non-dbus.Error, got %T (%v)", err, err)
	}
}
