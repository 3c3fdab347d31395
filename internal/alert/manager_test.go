package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"grid-backtest/internal/backtest"
)

var _ backtest.Notifier = (*Manager)(nil)

type senderSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (s *senderSpy) Send(ctx context.Context, msg string) error {
	if s.entered != nil {
		s.once.Do(func() {
			close(s.entered)
		})
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *senderSpy) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewManagerNilSender(t *testing.T) {
	m := NewManager(nil, ManagerOptions{})
	if m != nil {
		t.Fatalf("NewManager(nil) = %v, want nil", m)
	}
	m.Notify("ignored", "k")
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() on nil manager error = %v", err)
	}
}

func TestManagerCloseFlushesQueuedMessages(t *testing.T) {
	spy := &senderSpy{}
	m := NewManager(spy, ManagerOptions{Source: "configs/btc.yaml"})

	m.Notify("strategy grid1 disabled: boom", "strategy_disabled:grid1")
	m.Notify("strategy grid2 disabled: boom", "strategy_disabled:grid2")
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent count = %d, want 2", len(msgs))
	}
	if !strings.HasPrefix(msgs[0], "[grid-backtest] configs/btc.yaml\n") {
		t.Fatalf("first message header = %q", msgs[0])
	}
	if !strings.Contains(msgs[0], "strategy grid1 disabled") {
		t.Fatalf("first message missing body, got %q", msgs[0])
	}
}

func TestManagerThrottlesRepeatedKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	spy := &senderSpy{}
	m := NewManager(spy, ManagerOptions{Throttle: time.Minute, Now: clock})
	m.Notify("liquidation 1", "liquidation:grid1:BTCUSDT")
	m.Notify("liquidation 2", "liquidation:grid1:BTCUSDT")
	m.Notify("other key", "liquidation:grid1:ETHUSDT")
	m.Notify("no key", "")
	m.Notify("no key again", "")
	advance(time.Minute)
	m.Notify("liquidation 3", "liquidation:grid1:BTCUSDT")
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 5 {
		t.Fatalf("sent count = %d, want 5: %q", len(msgs), msgs)
	}
	for _, msg := range msgs {
		if strings.Contains(msg, "liquidation 2") {
			t.Fatalf("throttled message was sent: %q", msg)
		}
	}
}

func TestManagerNotifyNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &senderSpy{block: block, entered: make(chan struct{})}
	m := NewManager(spy, ManagerOptions{})
	m.Notify("seed", "")
	select {
	case <-spy.entered:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("sender did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Notify("spam", "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Notify() appears blocked when queue is full")
	}

	close(block)
	closeManager(t, m)
}

func TestManagerTracksDroppedCount(t *testing.T) {
	block := make(chan struct{})
	spy := &senderSpy{block: block, entered: make(chan struct{})}
	m := NewManager(spy, ManagerOptions{QueueSize: 1})

	m.Notify("seed", "")
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("sender did not enter blocked state")
	}

	m.Notify("queue_fill", "")
	for i := 0; i < 10; i++ {
		m.Notify("spam", "")
	}
	total, pending := m.droppedStats()
	if total != 10 || pending != 10 {
		t.Fatalf("dropped = %d/%d, want 10/10", total, pending)
	}

	close(block)
	closeManager(t, m)
}

func TestManagerPeriodicDroppedReportResetsWindow(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	block := make(chan struct{})
	spy := &senderSpy{block: block, entered: make(chan struct{})}
	m := NewManager(spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
		Logger:             zap.New(core),
	})

	m.Notify("seed", "")
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("sender did not enter blocked state")
	}
	m.Notify("queue_fill", "")
	for i := 0; i < 3; i++ {
		m.Notify("spam", "")
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for logs.FilterMessage("alert_queue_dropped_report").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log, got %d entries", logs.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, pending := m.droppedStats(); pending != 0 {
		t.Fatalf("dropped pending window = %d, want 0 after periodic report", pending)
	}

	close(block)
	closeManager(t, m)
}
