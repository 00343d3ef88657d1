package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"agentforge/pkg/events"
	"agentforge/pkg/metrics"
	"agentforge/pkg/state"

	"fiatjaf.com/nostr"
	"golang.org/x/sync/errgroup"
)

const (
	// KindContractLog carries one committed registry log as JSON content.
	KindContractLog nostr.Kind = 4111

	TagName  = "t"
	TagValue = "agentforge"

	cursorName      = "nostr"
	publishTimeout  = 8 * time.Second
	defaultInterval = 15 * time.Second
	batchSize       = 200
)

// LogSource is the slice of the store the broadcaster reads.
type LogSource interface {
	Logs(ctx context.Context, f state.LogFilter) ([]events.Log, error)
	Cursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, seq uint64) error
	Subscribe(fn func(state.Receipt)) (unsubscribe func())
}

// Broadcaster publishes logs in sequence order. A transaction's logs count as
// delivered once every one of them reached at least one relay; the cursor then
// moves past it, so a restart resumes where delivery stopped.
type Broadcaster struct {
	src       LogSource
	clients   []Client
	sk        nostr.SecretKey
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	wake      chan struct{}
	published atomic.Uint64
}

type Option func(*Broadcaster)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithRetryInterval sets how often undelivered logs are retried.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.interval = d
		}
	}
}

func NewBroadcaster(src LogSource, clients []Client, sk nostr.SecretKey, opts ...Option) (*Broadcaster, error) {
	if src == nil {
		return nil, fmt.Errorf("log source is required")
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one relay is required")
	}
	b := &Broadcaster{
		src:      src,
		clients:  clients,
		sk:       sk,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval: defaultInterval,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Published is the number of logs delivered since start.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Run backfills from the persisted cursor, then follows new commits until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) error {
	unsubscribe := b.src.Subscribe(func(state.Receipt) {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		if err := b.Flush(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("relay delivery paused", "error", err)
		}
		select {
		case <-ctx.Done():
			for _, c := range b.clients {
				c.Close()
			}
			return nil
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

// Flush delivers every log after the cursor. It stops at the first
// transaction no relay accepted.
func (b *Broadcaster) Flush(ctx context.Context) error {
	for {
		cursor, err := b.src.Cursor(ctx, cursorName)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		logs, limit, err := b.nextBatch(ctx, cursor+1)
		if err != nil {
			return fmt.Errorf("load logs: %w", err)
		}
		if len(logs) == 0 {
			return nil
		}
		// a full batch may end mid-transaction; only whole transactions advance the cursor
		complete := len(logs)
		if len(logs) == limit {
			last := logs[len(logs)-1].Seq
			for complete > 0 && logs[complete-1].Seq == last {
				complete--
			}
		}
		for i := 0; i < complete; i++ {
			if err := b.publish(ctx, logs[i]); err != nil {
				return err
			}
			if i == complete-1 || logs[i+1].Seq != logs[i].Seq {
				if err := b.src.SetCursor(ctx, cursorName, logs[i].Seq); err != nil {
					return fmt.Errorf("store cursor: %w", err)
				}
			}
		}
		if len(logs) < limit {
			return nil
		}
	}
}

// nextBatch loads logs from seq on. When one transaction fills the whole
// batch the limit doubles until the batch holds it completely.
func (b *Broadcaster) nextBatch(ctx context.Context, seq uint64) ([]events.Log, int, error) {
	limit := batchSize
	for {
		logs, err := b.src.Logs(ctx, state.LogFilter{FromSeq: seq, Limit: limit})
		if err != nil {
			return nil, 0, err
		}
		if len(logs) < limit || logs[0].Seq != logs[len(logs)-1].Seq {
			return logs, limit, nil
		}
		limit *= 2
	}
}

// Event wraps lg as a signed Nostr event.
func Event(lg events.Log, sk nostr.SecretKey) (nostr.Event, error) {
	body, err := json.Marshal(lg)
	if err != nil {
		return nostr.Event{}, err
	}
	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindContractLog,
		Tags: nostr.Tags{
			{TagName, TagValue},
			{"contract", lg.Contract},
			{"event", lg.Event},
			{"seq", strconv.FormatUint(lg.Seq, 10)},
			{"tx", lg.TxHash.Hex()},
		},
		Content: string(body),
	}
	if err := evt.Sign(sk); err != nil {
		return nostr.Event{}, err
	}
	return evt, nil
}

func (b *Broadcaster) publish(ctx context.Context, lg events.Log) error {
	evt, err := Event(lg, b.sk)
	if err != nil {
		return fmt.Errorf("sign log %d/%d: %w", lg.Seq, lg.Index, err)
	}

	var ok atomic.Int32
	errs := make([]string, len(b.clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range b.clients {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, publishTimeout)
			defer cancel()
			if err := c.Publish(pctx, evt); err != nil {
				errs[i] = fmt.Sprintf("%s: %v", c.URL(), err)
				b.observe("error")
				return nil
			}
			ok.Add(1)
			b.observe("ok")
			return nil
		})
	}
	_ = g.Wait()
	if ok.Load() == 0 {
		return fmt.Errorf("publish failed on all relays: %s", strings.Join(nonEmpty(errs), "; "))
	}
	b.published.Add(1)
	b.logger.Debug("log relayed", "seq", lg.Seq, "event", lg.Event, "relays", ok.Load())
	return nil
}

func (b *Broadcaster) observe(result string) {
	if b.metrics != nil {
		b.metrics.IncrementRelayPublish(result)
	}
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
