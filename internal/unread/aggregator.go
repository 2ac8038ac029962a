// ABOUTME: Polls conversation summaries over REST and derives per-conversation unread state.
// ABOUTME: Drives the badge count independently of the realtime channel.

package unread

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eprop/messaging-client/internal/rest"
)

const (
	// DefaultPollInterval is the badge polling cadence.
	DefaultPollInterval = 30 * time.Second
	// DefaultReadReceiptDelay is how long after a conversation opens the
	// aggregator waits before refreshing, giving the backend time to
	// register the viewer's read receipt.
	DefaultReadReceiptDelay = time.Second
)

// Source is the REST surface the aggregator polls. *rest.Client
// satisfies it.
type Source interface {
	Conversations(ctx context.Context) ([]rest.Conversation, error)
	UnreadCount(ctx context.Context) (int, error)
}

// Summary is one conversation's unread state from the viewer's side.
type Summary struct {
	ConversationID   string
	LastMessage      string
	LastMessageAt    time.Time
	ViewerLastReadAt time.Time
}

// Unread reports whether the conversation has messages the viewer has
// not read yet.
func (s Summary) Unread() bool {
	return s.LastMessageAt.After(s.ViewerLastReadAt)
}

// Snapshot is the result of one refresh.
type Snapshot struct {
	Total         int
	Conversations []Summary
}

// UnreadConversations counts the conversations with unread messages.
func (s Snapshot) UnreadConversations() int {
	n := 0
	for _, c := range s.Conversations {
		if c.Unread() {
			n++
		}
	}
	return n
}

// Options configures an Aggregator. Source and ViewerID are required.
type Options struct {
	Source           Source
	ViewerID         string
	PollInterval     time.Duration
	ReadReceiptDelay time.Duration
	Logger           *slog.Logger
	// OnChange fires after every successful refresh, including refreshes
	// whose snapshot is unchanged.
	OnChange func(Snapshot)
}

// Aggregator derives unread badges from conversation timestamps. It is
// presentation-only: it never touches the realtime channel, and its REST
// polling keeps running while the channel is down.
type Aggregator struct {
	source   Source
	viewerID string
	interval time.Duration
	delay    time.Duration
	logger   *slog.Logger
	onChange func(Snapshot)

	mu      sync.Mutex
	latest  Snapshot
	started bool
	stop    context.CancelFunc
	delayed *time.Timer
	wake    chan struct{}
}

// New creates a stopped aggregator.
func New(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	delay := opts.ReadReceiptDelay
	if delay <= 0 {
		delay = DefaultReadReceiptDelay
	}

	return &Aggregator{
		source:   opts.Source,
		viewerID: opts.ViewerID,
		interval: interval,
		delay:    delay,
		logger:   logger.With("component", "unread"),
		onChange: opts.OnChange,
		wake:     make(chan struct{}, 1),
	}
}

// Start refreshes immediately and then polls on the configured interval
// until Stop or ctx cancellation. Calling Start on a running aggregator
// is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	ctx, a.stop = context.WithCancel(ctx)
	a.mu.Unlock()

	go a.loop(ctx)
}

// Stop halts polling. The last snapshot stays readable.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.started = false
	if a.delayed != nil {
		a.delayed.Stop()
		a.delayed = nil
	}
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Refresh forces an immediate poll outside the fixed cadence, such as on
// conversation-list mount. Safe to call while stopped.
func (a *Aggregator) Refresh() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// NoteConversationOpened schedules a refresh after the read-receipt
// delay. Opening another conversation before the timer fires re-arms it.
func (a *Aggregator) NoteConversationOpened(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}

	a.logger.Debug("scheduling refresh after open", "conversation_id", conversationID)
	if a.delayed == nil {
		a.delayed = time.AfterFunc(a.delay, a.Refresh)
	} else {
		a.delayed.Reset(a.delay)
	}
}

// Latest returns the most recent snapshot.
func (a *Aggregator) Latest() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

func (a *Aggregator) loop(ctx context.Context) {
	a.refresh(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh(ctx)
		case <-a.wake:
			a.refresh(ctx)
		}
	}
}

// refresh pulls the summaries and recomputes unread state. A failed poll
// keeps the previous snapshot; the next tick tries again.
func (a *Aggregator) refresh(ctx context.Context) {
	convs, err := a.source.Conversations(ctx)
	if err != nil {
		a.logger.Warn("unread refresh failed", "err", err)
		return
	}
	total, err := a.source.UnreadCount(ctx)
	if err != nil {
		a.logger.Warn("unread count fetch failed", "err", err)
		return
	}

	snap := Snapshot{Total: total, Conversations: make([]Summary, 0, len(convs))}
	for _, conv := range convs {
		snap.Conversations = append(snap.Conversations, Summary{
			ConversationID:   conv.ID,
			LastMessage:      conv.LastMessage,
			LastMessageAt:    conv.LastMessageAt,
			ViewerLastReadAt: conv.ViewerLastReadAt(a.viewerID),
		})
	}

	a.mu.Lock()
	a.latest = snap
	a.mu.Unlock()

	a.logger.Debug("unread refreshed",
		"total", snap.Total,
		"unread_conversations", snap.UnreadConversations())
	if a.onChange != nil {
		a.onChange(snap)
	}
}
