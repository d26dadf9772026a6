package worker

import (
	"CloudBox/config"
	"CloudBox/internal/mq"
	"CloudBox/internal/service"
	"CloudBox/internal/task"
	"CloudBox/pkg/metrics"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type dlqMessage struct {
	JobID    uint64    `json:"job_id"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// RunArchiveWorker consumes archive jobs from RabbitMQ.
func RunArchiveWorker(ctx context.Context) error {
	client, err := mq.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeclareTopology(); err != nil {
		return err
	}

	prefetch := config.AppConfig.RabbitMQPrefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := client.Channel.Qos(prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := client.Channel.Consume(
		mq.QueueTasks,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	concurrency := config.AppConfig.ArchiveWorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	burst := config.AppConfig.ArchiveBurst
	if burst <= 0 {
		burst = 1
	}
	rateLimit := config.AppConfig.ArchiveRate
	var limiter *rate.Limiter
	if rateLimit <= 0 {
		limiter = rate.NewLimiter(rate.Inf, burst)
	} else {
		limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}

	defer service.Jobs.CancelAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("archive worker: delivery channel closed")
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				handleArchiveMessage(ctx, client, limiter, d)
			}(delivery)
		}
	}
}

func handleArchiveMessage(ctx context.Context, client *mq.Client, limiter *rate.Limiter, delivery amqp.Delivery) {
	var msg task.CompressionMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		log.Printf("archive worker: invalid message: %v", err)
		_ = delivery.Ack(false)
		return
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			_ = delivery.Nack(false, true)
			return
		}
	}

	if err := task.ProcessCompressionJob(ctx, msg.JobID); err != nil {
		if task.IsCancellation(err) {
			// 被取消不算失败 状态已落库
			metrics.ArchiveJobsTotal.WithLabelValues("cancelled").Inc()
			_ = delivery.Ack(false)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			task.MarkCompressionJobFailed(msg.JobID, err)
			metrics.ArchiveJobsTotal.WithLabelValues("failed").Inc()
			_ = delivery.Ack(false)
			return
		}
		if shouldRetry(err) {
			if err := scheduleRetry(ctx, client, msg, err); err != nil {
				log.Printf("archive worker: retry schedule failed: %v", err)
				_ = delivery.Nack(false, true)
				return
			}
		} else {
			task.MarkCompressionJobFailed(msg.JobID, err)
			metrics.ArchiveJobsTotal.WithLabelValues("failed").Inc()
			if err := publishDLQ(ctx, client, msg, err); err != nil {
				log.Printf("archive worker: dlq publish failed: %v", err)
			}
		}
		_ = delivery.Ack(false)
		return
	}

	metrics.ArchiveJobsTotal.WithLabelValues("completed").Inc()
	_ = delivery.Ack(false)
}

// shouldRetry keeps integrity failures terminal. A corrupt archive or a
// path traversal attempt will not get better on a second run; transient
// infrastructure errors will.
func shouldRetry(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		return svcErr.Status >= http.StatusInternalServerError
	}
	return true
}

func scheduleRetry(ctx context.Context, client *mq.Client, msg task.CompressionMessage, procErr error) error {
	maxRetry := config.AppConfig.ArchiveRetryMax
	if maxRetry < 0 {
		maxRetry = 0
	}
	nextAttempt := msg.Attempt + 1
	if maxRetry == 0 || nextAttempt > maxRetry {
		task.MarkCompressionJobFailed(msg.JobID, procErr)
		metrics.ArchiveJobsTotal.WithLabelValues("failed").Inc()
		return publishDLQ(ctx, client, msg, procErr)
	}

	if err := task.RequeueCompressionJob(msg.JobID, nextAttempt, procErr); err != nil {
		return err
	}

	delay := pickRetryDelay(nextAttempt, config.AppConfig.ArchiveRetryDelays)
	msg.Attempt = nextAttempt
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return client.PublishRetry(ctx, body, delay)
}

func publishDLQ(ctx context.Context, client *mq.Client, msg task.CompressionMessage, procErr error) error {
	dlq := dlqMessage{
		JobID:    msg.JobID,
		Attempt:  msg.Attempt,
		Error:    procErr.Error(),
		FailedAt: time.Now(),
	}
	body, err := json.Marshal(dlq)
	if err != nil {
		return err
	}
	return client.PublishDLQ(ctx, body)
}

func pickRetryDelay(attempt int, delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[index]
}
