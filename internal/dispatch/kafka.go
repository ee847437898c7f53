package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	kgo "github.com/segmentio/kafka-go"

	"github.com/me/taskorch/pkg/model"
)

// KafkaConfig configures the Kafka-backed dispatcher.
type KafkaConfig struct {
	Brokers []string
	// QueueTopicPrefix is prepended to the queue name to form the topic
	// that runners serving that queue consume.
	QueueTopicPrefix string
	// EventsTopic carries worker and task lifecycle events.
	EventsTopic string
	// GroupID is the consumer group of the state updater.
	GroupID      string
	WriteTimeout time.Duration
}

// DefaultKafkaConfig returns sensible defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		QueueTopicPrefix: "taskorch.queue.",
		EventsTopic:      "taskorch.events",
		GroupID:          "taskorch-state-updater",
		WriteTimeout:     3 * time.Second,
	}
}

// KafkaDispatcher publishes dispatch requests to per-queue topics and reads
// lifecycle events from a shared events topic.
type KafkaDispatcher struct {
	cfg    KafkaConfig
	writer *kgo.Writer
	obs    *observer
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaDispatcher creates a dispatcher. No connection is made until the
// first write or subscription.
func NewKafkaDispatcher(cfg KafkaConfig, logger *slog.Logger) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("kafka: events topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	w := &kgo.Writer{
		Addr:                   kgo.TCP(cfg.Brokers...),
		Balancer:               &kgo.Hash{},
		RequiredAcks:           kgo.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return &KafkaDispatcher{
		cfg:    cfg,
		writer: w,
		obs:    newObserver(),
		logger: logger.With("component", "dispatch", "broker", "kafka"),
		now:    time.Now,
	}, nil
}

// TopicFor returns the topic runners of a queue consume.
func (d *KafkaDispatcher) TopicFor(queue string) string {
	return d.cfg.QueueTopicPrefix + queue
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, req Request) (Handle, error) {
	if req.RoutingKey == "" {
		return Handle{}, errors.New("dispatch: empty routing key")
	}

	h := Handle{ID: uuid.New().String(), TaskID: req.TaskID, Queue: req.RoutingKey, SentAt: d.now().UTC()}
	b, err := json.Marshal(newDispatchMessage(h.ID, req, h.SentAt))
	if err != nil {
		return Handle{}, fmt.Errorf("marshal dispatch: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
	defer cancel()

	// Keyed by task id so redeliveries of one task stay ordered.
	err = d.writer.WriteMessages(cctx, kgo.Message{
		Topic: d.TopicFor(req.RoutingKey),
		Key:   []byte(strconv.FormatInt(req.TaskID, 10)),
		Value: b,
		Time:  h.SentAt,
		Headers: []kgo.Header{
			{Key: "kind", Value: []byte(req.Kind)},
		},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("publish to %s: %w", d.TopicFor(req.RoutingKey), err)
	}

	d.logger.Debug("dispatched", "task_id", req.TaskID, "queue", req.RoutingKey, "handle", h.ID)
	return h, nil
}

func (d *KafkaDispatcher) Subscribe(ctx context.Context, types ...model.EventType) (Subscription, error) {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        d.cfg.Brokers,
		Topic:          d.cfg.EventsTopic,
		GroupID:        d.cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	d.logger.Info("subscribed", "topic", d.cfg.EventsTopic, "group_id", d.cfg.GroupID)
	return &kafkaSubscription{reader: r, filter: typeFilter(types), obs: d.obs}, nil
}

func (d *KafkaDispatcher) InspectActiveQueue(_ context.Context, hostname string) (string, bool, error) {
	q, ok := d.obs.activeQueue(hostname)
	return q, ok, nil
}

func (d *KafkaDispatcher) GetResult(ctx context.Context, taskID int64, timeout time.Duration) (model.Result, bool, error) {
	return d.obs.waitResult(ctx, taskID, timeout)
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

type kafkaSubscription struct {
	reader *kgo.Reader
	filter map[model.EventType]bool
	obs    *observer
}

func (s *kafkaSubscription) Next(ctx context.Context) (model.Event, func(context.Context) error, error) {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, ErrClosed
			}
			return nil, nil, err
		}

		ev, err := model.DecodeEvent(m.Value)
		if err != nil {
			// Commit bad messages so the group does not re-read them forever.
			_ = s.reader.CommitMessages(ctx, m)
			return nil, nil, fmt.Errorf("%w: offset %d: %v", ErrMalformedEvent, m.Offset, err)
		}
		if s.filter != nil && !s.filter[ev.EventType()] {
			if err := s.reader.CommitMessages(ctx, m); err != nil {
				return nil, nil, err
			}
			continue
		}

		s.obs.observe(ev)

		commit := func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return s.reader.CommitMessages(cctx, m)
		}
		return ev, commit, nil
	}
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
