package notify

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu       sync.Mutex
	sends    []sentMessage
	attempts int
	// failures counts down: while positive, sends fail with failErr (a
	// transient network error unless overridden).
	failures int
	failErr  error
}

type sentMessage struct {
	recipient string
	text      string
	options   []string
}

func (c *fakeChannel) Send(recipient, text string) error {
	return c.record(recipient, text, nil)
}

func (c *fakeChannel) SendWithOptions(recipient, text string, replyOptions []string) error {
	return c.record(recipient, text, replyOptions)
}

func (c *fakeChannel) record(recipient, text string, options []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures > 0 {
		c.failures--
		if c.failErr != nil {
			return c.failErr
		}
		return errors.New("connection reset by peer")
	}
	c.sends = append(c.sends, sentMessage{recipient: recipient, text: text, options: options})
	return nil
}

func (c *fakeChannel) sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage{}, c.sends...)
}

func (c *fakeChannel) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func newTestService(channel *fakeChannel, opts Options) *Service {
	s := NewService(channel, opts)
	s.sleep = func(time.Duration) {}
	return s
}

func waitForSends(t *testing.T, channel *fakeChannel, want int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sends := channel.sent(); len(sends) >= want {
			return sends
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sends, got %d", want, len(channel.sent()))
	return nil
}

func TestDebounceBatchesBurst(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 50 * time.Millisecond})
	defer s.Stop()

	s.Notify("run-1", "ops", "first", nil)
	s.Notify("run-1", "ops", "second", nil)
	s.Notify("run-1", "ops", "third", nil)

	sends := waitForSends(t, channel, 1)
	require.Len(t, sends, 1)
	assert.Equal(t, "ops", sends[0].recipient)
	parts := strings.Split(sends[0].text, batchSeparator)
	assert.Equal(t, []string{"first", "second", "third"}, parts)
}

func TestSingleMessageSentAsIs(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 20 * time.Millisecond})
	defer s.Stop()

	s.Notify("run-1", "ops", "only one", []string{"retry", "abort"})

	sends := waitForSends(t, channel, 1)
	assert.Equal(t, "only one", sends[0].text)
	assert.Equal(t, []string{"retry", "abort"}, sends[0].options)
}

func TestCombinedSendDropsReplyOptions(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 30 * time.Millisecond})
	defer s.Stop()

	s.Notify("run-1", "ops", "a", []string{"yes"})
	s.Notify("run-1", "ops", "b", []string{"no"})

	sends := waitForSends(t, channel, 1)
	assert.Nil(t, sends[0].options)
}

func TestMaxBatchSplitsDelivery(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 20 * time.Millisecond, MaxBatch: 2})
	defer s.Stop()

	for _, m := range []string{"1", "2", "3"} {
		s.Notify("run-1", "ops", m, nil)
	}

	sends := waitForSends(t, channel, 2)
	assert.Equal(t, "1"+batchSeparator+"2", sends[0].text)
	assert.Equal(t, "3", sends[1].text)
}

func TestNotifyImmediateBypassesDebounce(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 10 * time.Second})
	defer s.Stop()

	s.Notify("run-1", "ops", "queued", nil)
	s.NotifyImmediate("run-1", "ops", "urgent", nil)

	// The immediate send is synchronous; the queued batch is still held.
	sends := channel.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "urgent", sends[0].text)
	assert.Equal(t, 1, s.Pending("ops"))
}

func TestRetryWithLinearBackoffThenSuccess(t *testing.T) {
	channel := &fakeChannel{failures: 2}
	s := newTestService(channel, Options{Debounce: time.Millisecond, Retries: 3})
	defer s.Stop()

	s.NotifyImmediate("run-1", "ops", "eventually", nil)

	sends := channel.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "eventually", sends[0].text)
	assert.Equal(t, 3, channel.attemptCount())
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	channel := &fakeChannel{failures: 10}
	s := newTestService(channel, Options{Debounce: time.Millisecond, Retries: 3})
	defer s.Stop()

	// Must not panic or propagate; the message is logged and dropped.
	s.NotifyImmediate("run-1", "ops", "doomed", nil)
	assert.Empty(t, channel.sent())
}

func TestClientErrorNotRetried(t *testing.T) {
	channel := &fakeChannel{failures: 3, failErr: errors.New("webhook returned 404 Not Found")}
	s := newTestService(channel, Options{Debounce: time.Millisecond, Retries: 3})
	defer s.Stop()

	// A client rejection cannot succeed on retry; one attempt, then drop.
	s.NotifyImmediate("run-1", "ops", "rejected", nil)
	assert.Equal(t, 1, channel.attemptCount())
	assert.Empty(t, channel.sent())
}

func TestDeliveryOutcomesObserved(t *testing.T) {
	channel := &fakeChannel{}
	var mu sync.Mutex
	var results []string
	s := newTestService(channel, Options{
		Debounce: time.Millisecond,
		Retries:  2,
		OnDelivery: func(result string) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result)
		},
	})
	defer s.Stop()

	s.NotifyImmediate("run-1", "ops", "fine", nil)

	channel.mu.Lock()
	channel.failures = 5
	channel.mu.Unlock()
	s.NotifyImmediate("run-1", "ops", "doomed", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sent", "failed"}, results)
}

func TestFlushDeliversEverythingNow(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 10 * time.Second, MaxBatch: 2})
	defer s.Stop()

	for _, m := range []string{"1", "2", "3", "4", "5"} {
		s.Notify("run-1", "ops", m, nil)
	}
	s.Notify("run-2", "oncall", "other", nil)

	s.Flush()

	sends := channel.sent()
	require.Len(t, sends, 4)
	assert.Equal(t, 0, s.Pending("ops"))
	assert.Equal(t, 0, s.Pending("oncall"))
}

func TestStopDiscardsPending(t *testing.T) {
	channel := &fakeChannel{}
	s := newTestService(channel, Options{Debounce: 20 * time.Millisecond})

	s.Notify("run-1", "ops", "never delivered", nil)
	s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, channel.sent())
	assert.Equal(t, 0, s.Pending("ops"))

	// Notify after Stop is a no-op.
	s.Notify("run-1", "ops", "late", nil)
	assert.Equal(t, 0, s.Pending("ops"))
}
