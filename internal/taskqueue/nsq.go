package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"
)

const (
	defaultTopicPrefix   = "courier."
	defaultNSQChannel    = "courier-engine"
	defaultNSQUserAgent  = "courier"
	defaultNSQAttempts   = 5
	defaultNSQConcurrent = 4
)

// NSQConfig addresses the NSQ cluster that carries tasks.
type NSQConfig struct {
	NSQDAddress      string
	LookupdAddresses []string
	TopicPrefix      string
	Channel          string
	Concurrency      int
	Retry            retry.Policy
	HandleTimeout    time.Duration
	Logger           *zap.Logger
}

// NSQQueue publishes each task kind to its own topic and consumes it with concurrent handlers.
// NSQ requeues failed messages with backoff; the final attempt is finished and reported.
type NSQQueue struct {
	cfg         NSQConfig
	maxAttempts uint16
	producer    *nsq.Producer
	logger      *zap.Logger

	mu            sync.Mutex
	registrations map[string]registration
	consumers     []*nsq.Consumer
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewNSQQueue validates configuration and prepares the producer. Connections open lazily.
func NewNSQQueue(cfg NSQConfig) (*NSQQueue, error) {
	cfg.NSQDAddress = strings.TrimSpace(cfg.NSQDAddress)
	if cfg.NSQDAddress == "" {
		return nil, errors.New("taskqueue: nsqd address is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultNSQChannel
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultNSQConcurrent
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := uint16(defaultNSQAttempts)
	if cfg.Retry.Attempts > 0 {
		maxAttempts = uint16(cfg.Retry.Attempts)
	}

	producer, err := nsq.NewProducer(cfg.NSQDAddress, newNSQConfig(cfg, maxAttempts))
	if err != nil {
		return nil, fmt.Errorf("taskqueue: create producer: %w", err)
	}
	producer.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)

	return &NSQQueue{
		cfg:           cfg,
		maxAttempts:   maxAttempts,
		producer:      producer,
		logger:        logger,
		registrations: make(map[string]registration),
	}, nil
}

func (q *NSQQueue) Handle(kind string, handler Handler, onOutcome OutcomeFunc) {
	q.mu.Lock()
	q.registrations[kind] = registration{handler: handler, onOutcome: onOutcome}
	q.mu.Unlock()
}

func (q *NSQQueue) Enqueue(_ context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.producer.Publish(q.topic(task.Kind), body)
}

func (q *NSQQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	for kind := range q.registrations {
		consumer, err := nsq.NewConsumer(q.topic(kind), q.cfg.Channel, newNSQConfig(q.cfg, q.maxAttempts))
		if err != nil {
			return fmt.Errorf("taskqueue: create consumer for %s: %w", kind, err)
		}
		consumer.SetLogger(nsqLogger{logger: q.logger}, nsq.LogLevelWarning)
		taskKind := kind
		consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(message *nsq.Message) error {
			return q.handleMessage(taskKind, message)
		}), q.cfg.Concurrency)

		if len(q.cfg.LookupdAddresses) > 0 {
			err = consumer.ConnectToNSQLookupds(q.cfg.LookupdAddresses)
		} else {
			err = consumer.ConnectToNSQD(q.cfg.NSQDAddress)
		}
		if err != nil {
			consumer.Stop()
			return fmt.Errorf("taskqueue: connect consumer for %s: %w", kind, err)
		}
		q.consumers = append(q.consumers, consumer)
	}
	return nil
}

func (q *NSQQueue) Close() error {
	q.mu.Lock()
	consumers := q.consumers
	q.consumers = nil
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, consumer := range consumers {
		consumer.Stop()
	}
	for _, consumer := range consumers {
		<-consumer.StopChan
	}
	q.producer.Stop()
	return nil
}

func (q *NSQQueue) handleMessage(kind string, message *nsq.Message) error {
	q.mu.Lock()
	registered, ok := q.registrations[kind]
	baseCtx := q.ctx
	q.mu.Unlock()
	if !ok {
		q.logger.Warn("dropping task without handler", zap.String("kind", kind))
		return nil
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	var task Task
	if err := json.Unmarshal(message.Body, &task); err != nil {
		q.logger.Error("dropping undecodable task", zap.String("kind", kind), zap.Error(err))
		return nil
	}
	task.Attempt = int(message.Attempts)

	ctx, cancel := lease(baseCtx, q.cfg.HandleTimeout, message.Touch)
	defer cancel()
	err := registered.handler(ctx, task)
	if err == nil {
		registered.report(Outcome{Task: task, Attempts: task.Attempt})
		return nil
	}
	if IsPermanent(err) || message.Attempts >= q.maxAttempts {
		q.logger.Warn("task failed",
			zap.String("kind", kind),
			zap.String("task_id", task.ID),
			zap.String("channel_id", task.ChannelID),
			zap.Int("attempts", task.Attempt),
			zap.Error(err))
		registered.report(Outcome{Task: task, Attempts: task.Attempt, Err: err})
		return nil
	}
	return err
}

func (q *NSQQueue) topic(kind string) string {
	return q.cfg.TopicPrefix + strings.ReplaceAll(kind, "/", ".")
}

func newNSQConfig(cfg NSQConfig, maxAttempts uint16) *nsq.Config {
	config := nsq.NewConfig()
	config.UserAgent = defaultNSQUserAgent
	config.MaxInFlight = cfg.Concurrency
	config.MaxAttempts = maxAttempts
	config.MsgTimeout = cfg.HandleTimeout
	if cfg.Retry.BaseDelay > 0 {
		config.DefaultRequeueDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		config.MaxRequeueDelay = cfg.Retry.MaxDelay
	}
	return config
}

type nsqLogger struct {
	logger *zap.Logger
}

func (l nsqLogger) Output(_ int, line string) error {
	l.logger.Warn("nsq", zap.String("line", line))
	return nil
}
