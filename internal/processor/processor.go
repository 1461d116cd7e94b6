package taskprocessor

import (
	"context"
	"log"
	"time"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/kafka"
	"gitlab.ozon.dev/qwestard/lockerhub/internal/repository"
)

// TaskProcessor drains the audit outbox into Kafka. Each task gets a bounded number of
// publish attempts with a delay between them; tasks that spend the budget are parked as
// NO_ATTEMPTS_LEFT instead of looping forever.
type TaskProcessor struct {
	repo         repository.TaskRepository
	producer     *kafka.SaramaProducer
	topic        string
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
}

func NewTaskProcessor(repo repository.TaskRepository, producer *kafka.SaramaProducer, topic string, pollInterval time.Duration, limit int) *TaskProcessor {
	return &TaskProcessor{
		repo:         repo,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  3,
		retryDelay:   2 * time.Second,
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *TaskProcessor) drain(ctx context.Context) {
	tasks, err := p.repo.GetPendingTasks(ctx, p.limit, p.maxAttempts)
	if err != nil {
		log.Printf("fetch pending audit tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if err := p.repo.MarkTaskProcessing(ctx, task.ID); err != nil {
			log.Printf("mark audit task %d processing: %v", task.ID, err)
			continue
		}

		if err := p.producer.Publish(p.topic, task.AuditData); err != nil {
			p.recordFailure(ctx, task, err)
			continue
		}
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			log.Printf("delete published audit task %d: %v", task.ID, err)
		}
	}
}

func (p *TaskProcessor) recordFailure(ctx context.Context, task *repository.Task, cause error) {
	attempts := task.AttemptCount + 1
	status := repository.TaskStatusFailed
	if attempts >= p.maxAttempts {
		status = repository.TaskStatusNoAttemptsLeft
	}
	if err := p.repo.UpdateTaskFailure(ctx, task.ID, attempts, status, time.Now().Add(p.retryDelay)); err != nil {
		log.Printf("record audit task %d failure: %v", task.ID, err)
	}
	log.Printf("publish audit task %d (attempt %d): %v", task.ID, attempts, cause)
}
