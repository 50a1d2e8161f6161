package palindrom

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// heartbeat probes socket liveness while the channel is open. Each interval
// it checks that an acknowledgment arrived since the previous probe; if none
// did it fires onTimeout once and stops for good. A fresh heartbeat is
// created for every socket-open period.
type heartbeat struct {
	interval  time.Duration
	log       *zap.Logger
	probe     func() error
	onTimeout func()

	mu         sync.Mutex
	lastSentAt time.Time
	awaiting   bool
	timedOut   bool

	done     chan struct{}
	stopOnce sync.Once
}

func newHeartbeat(interval time.Duration, log *zap.Logger, probe func() error, onTimeout func()) *heartbeat {
	return &heartbeat{
		interval:  interval,
		log:       log,
		probe:     probe,
		onTimeout: onTimeout,
		done:      make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	go h.run()
}

func (h *heartbeat) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		if h.stopped() {
			h.mu.Unlock()
			return
		}
		if h.awaiting {
			h.timedOut = true
			h.mu.Unlock()
			h.onTimeout()
			return
		}
		h.awaiting = true
		h.lastSentAt = time.Now()
		h.mu.Unlock()

		// A failed probe means the socket is going away; the read loop
		// observes that and stops this heartbeat.
		if err := h.probe(); err != nil {
			h.log.Warn("heartbeat ping failed", zap.Error(err))
		}
	}
}

// ack records a liveness acknowledgment.
func (h *heartbeat) ack() {
	h.mu.Lock()
	h.awaiting = false
	h.mu.Unlock()
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		close(h.done)
		h.mu.Unlock()
	})
}

// stopped must be called with mu held.
func (h *heartbeat) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
