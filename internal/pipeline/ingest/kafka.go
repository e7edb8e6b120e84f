// Package ingest consumes camera frames from Kafka and feeds the pipeline.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/observability"
)

// HeaderLocation carries the camera location on a frame record.
const HeaderLocation = "location"

// Fetcher is the part of kgo.Client the consumer uses.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// Options configures the consumer.
type Options struct {
	FrameTimeout time.Duration
	Logger       observability.Logger
	Metrics      observability.Metrics
}

// Consumer reads frame records and runs each through the detection service.
type Consumer struct {
	fetcher    Fetcher
	detections core.DetectionService
	opts       Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewKafkaClient builds a consumer group client for topic.
func NewKafkaClient(brokers []string, topic, group string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
	}
	if group != "" {
		opts = append(opts, kgo.ConsumerGroup(group))
	}
	return kgo.NewClient(opts...)
}

// NewConsumer wraps fetcher.
func NewConsumer(fetcher Fetcher, detections core.DetectionService, opts Options) (*Consumer, error) {
	if fetcher == nil {
		return nil, errors.New("kafka fetcher is required")
	}
	if detections == nil {
		return nil, errors.New("detection service is required")
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 10 * time.Second
	}
	return &Consumer{fetcher: fetcher, detections: detections, opts: opts}, nil
}

// Start runs the poll loop in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil || c.stopped {
		return errors.New("kafka consumer already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.Run(ctx)
	}()
	return nil
}

// Run polls until ctx is done or the client is closed.
func (c *Consumer) Run(ctx context.Context) {
	for {
		fetches := c.fetcher.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logError("kafka fetch error", map[string]any{"topic": topic, "partition": partition, "error": err})
		})
		fetches.EachRecord(func(record *kgo.Record) {
			_ = c.HandleRecord(ctx, record)
		})
	}
}

// HandleRecord runs one frame record through the pipeline. The record key is
// the camera id.
func (c *Consumer) HandleRecord(ctx context.Context, record *kgo.Record) error {
	if record == nil {
		return core.Wrap(core.CodeInvalidInput, "record is required", nil)
	}
	in := core.FrameInput{CameraID: string(record.Key), Payload: record.Value}
	for _, header := range record.Headers {
		if header.Key == HeaderLocation {
			in.Location = string(header.Value)
		}
	}
	frameCtx, cancel := context.WithTimeout(ctx, c.opts.FrameTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := c.detections.HandleFrame(frameCtx, in)
	if c.opts.Metrics != nil {
		c.opts.Metrics.ObserveLatency("kafka_frame", time.Since(start))
	}
	if err != nil {
		c.observe(string(core.CodeOf(err)))
		c.logError("kafka frame failed", map[string]any{
			"topic":     record.Topic,
			"partition": record.Partition,
			"offset":    record.Offset,
			"camera_id": in.CameraID,
			"error":     err,
		})
		return err
	}
	c.observe("ok")
	if c.opts.Logger != nil {
		c.opts.Logger.Debug("kafka frame processed", map[string]any{
			"camera_id":  in.CameraID,
			"offset":     record.Offset,
			"detections": len(outcome.Detections),
		})
	}
	return nil
}

// Stop ends the poll loop, waits for it and closes the client.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.fetcher.Close()
	return err
}

func (c *Consumer) observe(result string) {
	if c.opts.Metrics != nil {
		if result == "" {
			result = "error"
		}
		c.opts.Metrics.IncRequest("kafka", "frame", result)
	}
}

func (c *Consumer) logError(msg string, fields map[string]any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Error(msg, fields)
	}
}
