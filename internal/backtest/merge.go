package backtest

import (
	"container/heap"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"grid-backtest/internal/core"
)

type MergeStats struct {
	Ticks      int
	Invalid    int
	OutOfOrder int
}

type mergeItem struct {
	tick   core.Tick
	stream int
	seq    int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool { return tickBefore(h[i], h[j]) }

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// tickBefore is the replay order: exchange time, local time, stream
// registration index, then position within the stream.
func tickBefore(a, b mergeItem) bool {
	if !a.tick.ExchangeTime.Equal(b.tick.ExchangeTime) {
		return a.tick.ExchangeTime.Before(b.tick.ExchangeTime)
	}
	if !a.tick.LocalTime.Equal(b.tick.LocalTime) {
		return a.tick.LocalTime.Before(b.tick.LocalTime)
	}
	if a.stream != b.stream {
		return a.stream < b.stream
	}
	return a.seq < b.seq
}

type mergeStream struct {
	feed Feed
	seq  int
	prev *core.Tick
}

// Merge drains every feed into one totally ordered slice. Invalid ticks and
// ticks that go back in time within their own stream are logged and dropped.
// All feeds are closed before Merge returns.
func Merge(feeds []Feed, logger *zap.Logger) ([]core.Tick, MergeStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		for _, f := range feeds {
			_ = f.Close()
		}
	}()

	var stats MergeStats
	streams := make([]*mergeStream, len(feeds))
	h := make(mergeHeap, 0, len(feeds))
	for i, f := range feeds {
		streams[i] = &mergeStream{feed: f}
		item, ok, err := streams[i].next(i, &stats, logger)
		if err != nil {
			return nil, stats, err
		}
		if ok {
			h = append(h, item)
		}
	}
	heap.Init(&h)

	var out []core.Tick
	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeItem)
		out = append(out, item.tick)
		next, ok, err := streams[item.stream].next(item.stream, &stats, logger)
		if err != nil {
			return nil, stats, err
		}
		if ok {
			heap.Push(&h, next)
		}
	}
	stats.Ticks = len(out)
	logger.Info("ticks_merged",
		zap.Int("streams", len(feeds)),
		zap.Int("ticks", stats.Ticks),
		zap.Int("invalid", stats.Invalid),
		zap.Int("out_of_order", stats.OutOfOrder),
	)
	return out, stats, nil
}

// next returns the next acceptable tick of the stream.
func (s *mergeStream) next(idx int, stats *MergeStats, logger *zap.Logger) (mergeItem, bool, error) {
	for {
		tick, err := s.feed.Next()
		if errors.Is(err, io.EOF) {
			return mergeItem{}, false, nil
		}
		if err != nil {
			return mergeItem{}, false, fmt.Errorf("read stream %d: %w", idx, err)
		}
		s.seq++
		if reason := InvalidTick(tick); reason != "" {
			stats.Invalid++
			logger.Warn("tick_invalid", zap.Int("stream", idx), zap.Int("seq", s.seq), zap.String("reason", reason))
			continue
		}
		if s.prev != nil && Regressed(*s.prev, tick) {
			stats.OutOfOrder++
			logger.Warn("tick_out_of_order",
				zap.Int("stream", idx),
				zap.Int("seq", s.seq),
				zap.String("symbol", tick.Symbol),
				zap.Time("exchange_ts", tick.ExchangeTime),
				zap.Time("previous_ts", s.prev.ExchangeTime),
			)
			continue
		}
		if tick.LocalTime.IsZero() {
			tick.LocalTime = tick.ExchangeTime
		}
		t := tick
		s.prev = &t
		return mergeItem{tick: tick, stream: idx, seq: s.seq}, true, nil
	}
}

// InvalidTick returns why t cannot be replayed, or "" when it can.
func InvalidTick(t core.Tick) string {
	switch {
	case t.Symbol == "":
		return "missing symbol"
	case t.ExchangeTime.IsZero():
		return "missing exchange time"
	case t.Price.Sign() <= 0:
		return "non-positive price"
	}
	return ""
}

// Regressed reports whether cur goes back in time relative to prev of the
// same symbol. Equal exchange times fall back to the local time.
func Regressed(prev, cur core.Tick) bool {
	if cur.ExchangeTime.Before(prev.ExchangeTime) {
		return true
	}
	if cur.ExchangeTime.Equal(prev.ExchangeTime) {
		local := cur.LocalTime
		if local.IsZero() {
			local = cur.ExchangeTime
		}
		return local.Before(prev.LocalTime)
	}
	return false
}
