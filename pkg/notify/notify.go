// Package notify delivers workflow updates to operators, batching bursts
// behind a per-recipient debounce window. Delivery is best-effort: a
// notification failure never fails the workflow it reports on.
package notify

import (
	"strings"
	"sync"
	"time"

	"agentd/pkg/logx"
	"agentd/pkg/wferrors"
)

const (
	// DefaultDebounce is how long a recipient's batch waits for more
	// messages before delivery.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultMaxBatch bounds how many queued messages combine into one
	// delivery.
	DefaultMaxBatch = 5
	// DefaultRetries is the delivery attempt count.
	DefaultRetries = 3
	// DefaultRetryDelay is the linear backoff unit between attempts.
	DefaultRetryDelay = 1 * time.Second

	// batchSeparator joins combined messages so recipients can tell them
	// apart.
	batchSeparator = "\n---\n"
)

// Channel is the outward delivery transport. Both methods return nil on
// success; a returned error is classified by the send path, which retries
// transient failures and drops permanent ones.
type Channel interface {
	Send(recipient, text string) error
	SendWithOptions(recipient, text string, replyOptions []string) error
}

// PendingNotification is one queued message awaiting its debounce window.
// Held only in memory; loss on crash is acceptable.
type PendingNotification struct {
	Recipient    string
	RunID        string
	Message      string
	ReplyOptions []string
	Created      time.Time
}

// Options configures a Service. Zero values take the defaults above.
type Options struct {
	Debounce   time.Duration
	MaxBatch   int
	Retries    int
	RetryDelay time.Duration

	// OnDelivery observes each delivery outcome, "sent" or "failed".
	// Wired to metrics by the daemon; may be nil.
	OnDelivery func(result string)
}

func (o *Options) fillDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
}

type recipientState struct {
	queued []PendingNotification
	timer  *time.Timer
}

// Service batches and delivers notifications. Safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	channel Channel
	opts    Options
	pending map[string]*recipientState
	stopped bool
	logger  *logx.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func NewService(channel Channel, opts Options) *Service {
	opts.fillDefaults()
	return &Service{
		channel: channel,
		opts:    opts,
		pending: make(map[string]*recipientState),
		logger:  logx.NewLogger("notify"),
		sleep:   time.Sleep,
	}
}

// Notify queues a message for the recipient and (re)starts the debounce
// timer. On fire, up to MaxBatch queued messages deliver as one call.
func (s *Service) Notify(runID, recipient, message string, replyOptions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	state, ok := s.pending[recipient]
	if !ok {
		state = &recipientState{}
		s.pending[recipient] = state
	}
	state.queued = append(state.queued, PendingNotification{
		Recipient:    recipient,
		RunID:        runID,
		Message:      message,
		ReplyOptions: replyOptions,
		Created:      time.Now().UTC(),
	})
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(s.opts.Debounce, func() {
		s.deliverBatch(recipient)
	})
}

// NotifyImmediate bypasses debouncing for urgent messages such as input
// requests and failures. Delivery happens synchronously with retries; any
// already-queued batch for the recipient is left to its own timer.
func (s *Service) NotifyImmediate(runID, recipient, message string, replyOptions []string) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.send(recipient, message, replyOptions)
}

// Flush delivers all pending batches now. Called before process exit so
// queued messages are not lost to a cancelled timer.
func (s *Service) Flush() {
	s.mu.Lock()
	recipients := make([]string, 0, len(s.pending))
	for recipient, state := range s.pending {
		if state.timer != nil {
			state.timer.Stop()
		}
		recipients = append(recipients, recipient)
	}
	s.mu.Unlock()
	for _, recipient := range recipients {
		for s.deliverBatch(recipient) {
		}
	}
}

// Stop cancels every timer and discards pending state.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for recipient, state := range s.pending {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(s.pending, recipient)
	}
}

// Pending reports the number of undelivered messages for a recipient.
func (s *Service) Pending(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.pending[recipient]; ok {
		return len(state.queued)
	}
	return 0
}

// deliverBatch sends up to MaxBatch queued messages for the recipient as
// one call. Returns true if messages remain queued afterwards (the next
// batch is re-armed on its own timer).
func (s *Service) deliverBatch(recipient string) bool {
	s.mu.Lock()
	state, ok := s.pending[recipient]
	if !ok || len(state.queued) == 0 {
		if ok {
			delete(s.pending, recipient)
		}
		s.mu.Unlock()
		return false
	}
	n := len(state.queued)
	if n > s.opts.MaxBatch {
		n = s.opts.MaxBatch
	}
	batch := state.queued[:n]
	state.queued = state.queued[n:]
	remaining := len(state.queued) > 0
	if remaining {
		state.timer = time.AfterFunc(s.opts.Debounce, func() {
			s.deliverBatch(recipient)
		})
	} else {
		delete(s.pending, recipient)
	}
	s.mu.Unlock()

	if len(batch) == 1 {
		s.send(recipient, batch[0].Message, batch[0].ReplyOptions)
		return remaining
	}
	// Combined sends drop per-message reply options.
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.Message
	}
	s.send(recipient, strings.Join(texts, batchSeparator), nil)
	return remaining
}

// send delivers with linear backoff retries and swallows final failure.
// Transient failures (timeouts, resets, 5xx, rate limits) are retried;
// client errors such as a 4xx rejection are dropped on the first attempt.
func (s *Service) send(recipient, text string, replyOptions []string) {
	for attempt := 1; attempt <= s.opts.Retries; attempt++ {
		var err error
		if len(replyOptions) > 0 {
			err = s.channel.SendWithOptions(recipient, text, replyOptions)
		} else {
			err = s.channel.Send(recipient, text)
		}
		if err == nil {
			s.observe("sent")
			return
		}
		if !wferrors.ShouldRetryNetwork(err) {
			s.logger.Error("delivery to %s rejected (%v), dropping message", recipient, err)
			s.observe("failed")
			return
		}
		s.logger.Warn("delivery to %s failed (attempt %d/%d): %v", recipient, attempt, s.opts.Retries, err)
		if attempt < s.opts.Retries {
			s.sleep(s.opts.RetryDelay * time.Duration(attempt))
		}
	}
	s.logger.Error("delivery to %s failed after %d attempts, dropping message", recipient, s.opts.Retries)
	s.observe("failed")
}

func (s *Service) observe(result string) {
	if s.opts.OnDelivery != nil {
		s.opts.OnDelivery(result)
	}
}
