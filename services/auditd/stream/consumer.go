package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"lendledger/events"
)

const (
	dialTimeout    = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Archiver persists consumed stream entries.
type Archiver interface {
	SaveEntry(entry events.Entry, receivedAt time.Time) (bool, error)
}

// ConsumerConfig captures the dependencies required to construct a Consumer.
type ConsumerConfig struct {
	URL        string
	Archiver   Archiver
	Checkpoint *Checkpoint
	Logger     *slog.Logger
	Now        func() time.Time
}

// Consumer tails the ledgerd event stream and archives every entry. It
// reconnects with the checkpointed cursor after any failure, so entries
// missed while disconnected are replayed from the node's retained backlog.
type Consumer struct {
	url        string
	archiver   Archiver
	checkpoint *Checkpoint
	logger     *slog.Logger
	now        func() time.Time
}

// NewConsumer constructs a consumer with sane defaults.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream: url must be configured")
	}
	if cfg.Archiver == nil {
		return nil, errors.New("stream: archiver must be configured")
	}
	if cfg.Checkpoint == nil {
		return nil, errors.New("stream: checkpoint must be configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Consumer{
		url:        cfg.URL,
		archiver:   cfg.Archiver,
		checkpoint: cfg.Checkpoint,
		logger:     logger,
		now:        now,
	}, nil
}

// Run consumes the stream until the context is cancelled. Connection failures
// are retried with doubling backoff; archiving at least one entry on a
// connection resets the backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		consumed, err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if consumed {
			backoff = initialBackoff
		}
		if err != nil {
			c.logger.Warn("Event stream interrupted", "error", err, "retryIn", backoff.String())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consumeOnce holds a single connection open until it fails, reporting
// whether any entry was archived on it.
func (c *Consumer) consumeOnce(ctx context.Context) (bool, error) {
	cursor, err := c.checkpoint.Load()
	if err != nil {
		return false, err
	}
	target, err := streamURL(c.url, cursor)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "consumer stopped")

	c.logger.Info("Event stream connected", "url", c.url, "cursor", cursor)
	consumed := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return consumed, err
		}
		var entry events.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Warn("Dropping malformed stream entry", "error", err)
			continue
		}
		inserted, err := c.archiver.SaveEntry(entry, c.now())
		if err != nil {
			return consumed, err
		}
		if err := c.checkpoint.Save(entry.Cursor); err != nil {
			return consumed, err
		}
		consumed = true
		if inserted {
			c.logger.Debug("Archived event", "sequence", entry.Sequence, "type", entry.Payload.Type)
		}
	}
}

// streamURL appends the resume cursor to the configured endpoint.
func streamURL(raw, cursor string) (string, error) {
	if cursor == "" {
		return raw, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("cursor", cursor)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
