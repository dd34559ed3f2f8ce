package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

// Mailer delivers a rendered message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher is satisfied by jobs.TopicPublisher.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// PubSubMailer hands messages to the email topic for the delivery worker.
type PubSubMailer struct {
	publisher Publisher
}

// NewPubSubMailer wraps publisher.
func NewPubSubMailer(publisher Publisher) (*PubSubMailer, error) {
	if publisher == nil {
		return nil, errors.New("notifications: publisher is required")
	}
	return &PubSubMailer{publisher: publisher}, nil
}

// Send publishes msg as JSON with its template name as an attribute.
func (m *PubSubMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("notifications: recipient is required")
	}
	if _, err := m.publisher.Publish(ctx, msg, map[string]string{"template": msg.Template}); err != nil {
		return fmt.Errorf("notifications: publish email: %w", err)
	}
	return nil
}

// LogMailer records messages in the log instead of delivering them. Used when no email topic
// is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("notification.email",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("template", msg.Template),
	)
	return nil
}

const defaultMailAttempts = 3

// RetryingMailer retries a failed send with exponential backoff.
type RetryingMailer struct {
	next     Mailer
	attempts int
	backoff  gax.Backoff
	sleep    func(context.Context, time.Duration) error
}

// RetryOption customises RetryingMailer.
type RetryOption func(*RetryingMailer)

// WithAttempts overrides the number of delivery attempts.
func WithAttempts(n int) RetryOption {
	return func(m *RetryingMailer) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithSleep swaps the sleep function, typically in tests.
func WithSleep(sleep func(context.Context, time.Duration) error) RetryOption {
	return func(m *RetryingMailer) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewRetryingMailer wraps next.
func NewRetryingMailer(next Mailer, opts ...RetryOption) *RetryingMailer {
	m := &RetryingMailer{
		next:     next,
		attempts: defaultMailAttempts,
		backoff:  gax.Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2},
		sleep:    gax.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *RetryingMailer) Send(ctx context.Context, msg Message) error {
	backoff := m.backoff
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if err = m.next.Send(ctx, msg); err == nil {
			return nil
		}
		if attempt == m.attempts {
			break
		}
		if sleepErr := m.sleep(ctx, backoff.Pause()); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return fmt.Errorf("notifications: send failed after %d attempts: %w", m.attempts, err)
}
