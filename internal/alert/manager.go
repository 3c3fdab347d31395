package alert

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one rendered message to an operator channel.
type Sender interface {
	Send(ctx context.Context, msg string) error
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	defaultSendTimeout        = 20 * time.Second
)

type ManagerOptions struct {
	// Source names the run in every message, usually the config file.
	Source             string
	QueueSize          int
	DropReportInterval time.Duration
	// Throttle suppresses repeats of the same key inside the window. Zero
	// sends every message.
	Throttle time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// Manager queues notifications and delivers them from one goroutine so the
// replay never waits on the network. It implements backtest.Notifier.
type Manager struct {
	source             string
	sender             Sender
	logger             *zap.Logger
	now                func() time.Time
	throttle           time.Duration
	queue              chan string
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration

	droppedTotal         uint64
	droppedSinceReported uint64
	throttledTotal       uint64

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	keysMu   sync.Mutex
	lastSent map[string]time.Time
}

// NewManager returns nil when sender is nil; a nil Manager ignores Notify.
func NewManager(sender Sender, opts ManagerOptions) *Manager {
	if sender == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		source:             opts.Source,
		sender:             sender,
		logger:             logger,
		now:                now,
		throttle:           opts.Throttle,
		queue:              make(chan string, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
		lastSent:           make(map[string]time.Time),
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

// Notify queues message unless throttleKey was used within the throttle
// window. An empty key is never throttled. Notify never blocks.
func (m *Manager) Notify(message, throttleKey string) {
	if m == nil {
		return
	}
	if !m.admit(throttleKey) {
		atomic.AddUint64(&m.throttledTotal, 1)
		return
	}
	msg := m.buildMessage(message)
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- msg:
		m.mu.RUnlock()
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		if droppedInWindow == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("key", throttleKey),
				zap.String("reason", "queue_full"),
				zap.Uint64("dropped_total", droppedTotal),
				zap.Int("queue_len", len(m.queue)),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

func (m *Manager) admit(key string) bool {
	if key == "" || m.throttle <= 0 {
		return true
	}
	now := m.now()
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.throttle {
		return false
	}
	m.lastSent[key] = now
	return true
}

// Close stops accepting messages and waits until the queue is drained or ctx
// is done.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		if n := atomic.LoadUint64(&m.throttledTotal); n > 0 {
			m.logger.Info("alert_throttled", zap.Uint64("suppressed_total", n))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.queue:
			m.send(msg)
		case <-m.stop:
			for {
				select {
				case msg := <-m.queue:
					m.send(msg)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)),
		zap.Duration("report_interval", m.dropReportInterval),
		zap.Int("queue_len", len(m.queue)),
		zap.Int("queue_cap", cap(m.queue)),
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("alert_send_failed", zap.Error(err))
	}
}

func (m *Manager) buildMessage(message string) string {
	header := "[grid-backtest]"
	if m.source != "" {
		header += " " + m.source
	}
	return header + "\ntime: " + m.now().UTC().Format(time.RFC3339) + "\n" + message
}
