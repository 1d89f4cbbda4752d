// Package eventlog consumes the upstream project and collaborator topics and
// feeds each message to the membership mirror.
package eventlog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/agentworkforce/canvasrelay/internal/membership"
)

var Topics = []string{membership.TopicProjects, membership.TopicCollaborators}

// Source is the subset of *kafka.Reader the consumer needs.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Applier interface {
	Apply(ctx context.Context, topic string, value []byte) error
}

type Options struct {
	Brokers []string
	GroupID string
	TLS     bool
	Logger  zerolog.Logger

	DialTimeout time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Consumer struct {
	source    Source
	applier   Applier
	log       zerolog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (o Options) dialer() *kafka.Dialer {
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &kafka.Dialer{Timeout: timeout, DualStack: true}
	if o.TLS {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return d
}

// Dial checks that at least one broker accepts connections. Startup treats a
// failure as fatal.
func Dial(ctx context.Context, opts Options) error {
	if len(opts.Brokers) == 0 {
		return errors.New("eventlog: no brokers configured")
	}
	d := opts.dialer()
	var failures []string
	for _, broker := range opts.Brokers {
		conn, err := d.DialContext(ctx, "tcp", broker)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", broker, err))
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("eventlog: brokers unreachable: %s", strings.Join(failures, "; "))
}

// NewConsumer builds a group reader over Topics starting from the earliest
// retained offset for new groups.
func NewConsumer(opts Options, applier Applier) (*Consumer, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("eventlog: no brokers configured")
	}
	if strings.TrimSpace(opts.GroupID) == "" {
		return nil, errors.New("eventlog: group id is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		GroupID:     opts.GroupID,
		GroupTopics: Topics,
		StartOffset: kafka.FirstOffset,
		Dialer:      opts.dialer(),
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return NewConsumerFromSource(reader, applier, opts), nil
}

func NewConsumerFromSource(source Source, applier Applier, opts Options) *Consumer {
	base := opts.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &Consumer{
		source:    source,
		applier:   applier,
		log:       opts.Logger.With().Str("component", "eventlog").Logger(),
		baseDelay: base,
		maxDelay:  maxDelay,
	}
}

// Run consumes until ctx is cancelled or the source is closed. A message is
// committed once applied, or immediately when it can never be applied.
// Transient apply failures are retried with backoff without advancing.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("eventlog: fetch: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.source.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("eventlog: commit: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := c.applier.Apply(ctx, msg.Topic, msg.Value)
		if err == nil {
			return nil
		}
		logEvent := c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset)
		if errors.Is(err, membership.ErrMalformedEvent) {
			logEvent.Msg("skipping malformed event")
			return nil
		}
		logEvent.Int("attempt", attempt).Msg("failed to apply event")
		if err := waitWithContext(ctx, c.retryDelay(attempt)); err != nil {
			return err
		}
	}
}

func (c *Consumer) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func (c *Consumer) Close() error {
	return c.source.Close()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
