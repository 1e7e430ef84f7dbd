package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSubscription) Err() <-chan error {
	return s.errCh
}

type fakeSubscriber struct {
	mu        sync.Mutex
	attaches  int
	failFirst int
	logs      chan<- types.Log
	sub       *fakeSubscription
}

func (f *fakeSubscriber) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("dial refused")
	}
	f.logs = ch
	f.sub = &fakeSubscription{errCh: make(chan error, 1)}
	return f.sub, nil
}

func (f *fakeSubscriber) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches
}

func (f *fakeSubscriber) emit(lg types.Log) {
	f.mu.Lock()
	ch := f.logs
	f.mu.Unlock()
	ch <- lg
}

func (f *fakeSubscriber) kill(err error) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	sub.errCh <- err
}

type recordingReconciler struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingReconciler) ReconcileConsumedKey(_ context.Context, itx string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, itx)
	return nil
}

func (r *recordingReconciler) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func placedLog(t *testing.T, itx common.Hash) types.Log {
	t.Helper()
	parsed, err := EscrowABI()
	if err != nil {
		t.Fatal(err)
	}
	return types.Log{
		Topics:      []common.Hash{parsed.Events["BetGame"].ID, itx},
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 7,
	}
}

func newTestListener(t *testing.T, sub LogSubscriber, rec Reconciler) *Listener {
	t.Helper()
	l, err := NewListener(sub, common.HexToAddress("0xescrow"), rec, zerolog.Nop(), nil, nil,
		WithReconnectDelay(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestListenerDeliversEvents(t *testing.T) {
	sub := &fakeSubscriber{}
	rec := &recordingReconciler{}
	l := newTestListener(t, sub, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return sub.attachCount() == 1 })

	itx := common.HexToHash("0xabc123")
	sub.emit(placedLog(t, itx))

	waitFor(t, func() bool { return len(rec.seen()) == 1 })
	if got := rec.seen()[0]; got != itx.Hex() {
		t.Errorf("reconciled key %q, want %q", got, itx.Hex())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}

func TestListenerReattachesAfterError(t *testing.T) {
	sub := &fakeSubscriber{}
	rec := &recordingReconciler{}
	l := newTestListener(t, sub, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool { return sub.attachCount() == 1 })
	sub.kill(errors.New("websocket closed"))
	waitFor(t, func() bool { return sub.attachCount() == 2 })

	// The fresh subscription still delivers.
	itx := common.HexToHash("0xdef456")
	sub.emit(placedLog(t, itx))
	waitFor(t, func() bool { return len(rec.seen()) == 1 })
}

func TestListenerRetriesFailedAttach(t *testing.T) {
	sub := &fakeSubscriber{failFirst: 2}
	l := newTestListener(t, sub, &recordingReconciler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Two refused dials, then a successful attach.
	waitFor(t, func() bool { return sub.attachCount() >= 3 })
}

func TestListenerIgnoresForeignLogs(t *testing.T) {
	sub := &fakeSubscriber{}
	rec := &recordingReconciler{}
	l := newTestListener(t, sub, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool { return sub.attachCount() == 1 })

	sub.emit(types.Log{Topics: []common.Hash{common.HexToHash("0xother")}})
	sub.emit(placedLog(t, common.HexToHash("0xaaa")))

	waitFor(t, func() bool { return len(rec.seen()) == 1 })
	if rec.seen()[0] != common.HexToHash("0xaaa").Hex() {
		t.Errorf("wrong key reconciled: %v", rec.seen())
	}
}
