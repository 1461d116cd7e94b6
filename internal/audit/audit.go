package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/lockerhub/internal/repository"
)

// Record is one best-effort audit event. Failures anywhere downstream are logged and
// swallowed; the engine operation that produced the record never sees them.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Details    string    `json:"details,omitempty"`
}

// Sink is injected into the engine and the sweeper. Tests substitute a Recorder or a
// NopSink; production wires the worker pool.
type Sink interface {
	Emit(rec Record)
}

type NopSink struct{}

func (NopSink) Emit(Record) {}

// Recorder keeps every emitted record, for assertions in tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Emit(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

type PoolConfig struct {
	BatchSize   int
	Timeout     time.Duration
	ChannelSize int
}

type Processor interface {
	Process(batch []Record) error
}

// DBProcessor writes batches into audit_logs with one multi-row insert.
type DBProcessor struct {
	DB *sql.DB
}

func (p *DBProcessor) Process(batch []Record) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs (timestamp, entity_type, entity_id, action, details) VALUES `)

	params := []interface{}{}
	paramIndex := 1
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)", paramIndex, paramIndex+1, paramIndex+2, paramIndex+3, paramIndex+4))
		paramIndex += 5
		params = append(params, rec.Timestamp, rec.EntityType, rec.EntityID, rec.Action, rec.Details)
	}
	_, err := p.DB.Exec(sb.String(), params...)
	if err != nil {
		return fmt.Errorf("DBProcessor error: %w", err)
	}
	return nil
}

// OutboxProcessor stores each record as an outbox task; the task processor later
// republishes them to Kafka with bounded attempts.
type OutboxProcessor struct {
	Tasks repository.TaskRepository
}

func (p *OutboxProcessor) Process(batch []Record) error {
	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		if err := p.Tasks.CreateTask(context.Background(), data); err != nil {
			return fmt.Errorf("enqueue audit task: %w", err)
		}
	}
	return nil
}

type StdoutProcessor struct {
	Filter string
}

func (p *StdoutProcessor) Process(batch []Record) error {
	for _, rec := range batch {
		if p.Filter != "" &&
			!strings.Contains(strings.ToLower(rec.Details), strings.ToLower(p.Filter)) &&
			!strings.Contains(strings.ToLower(rec.Action), strings.ToLower(p.Filter)) {
			continue
		}
		fmt.Printf("AUDIT: %s | %s %s | %s | %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.EntityType, rec.EntityID, rec.Action, rec.Details)
	}
	return nil
}

// WorkerPool batches records off a buffered channel and fans each batch out to every
// processor. Emit never blocks: when the channel is full the record is dropped.
type WorkerPool struct {
	inputCh    chan Record
	processors []Processor
	batchSize  int
	timeout    time.Duration

	wg sync.WaitGroup
}

func NewWorkerPool(cfg PoolConfig, processors ...Processor) *WorkerPool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 256
	}
	return &WorkerPool{
		inputCh:    make(chan Record, cfg.ChannelSize),
		processors: processors,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
	}
}

func (p *WorkerPool) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	var batch []Record
	timer := time.NewTimer(p.timeout)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.processBatch(batch)
			}
			return
		case rec := <-p.inputCh:
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				if !timer.Stop() {
					<-timer.C
				}
				p.processBatch(batch)
				batch = nil
				timer.Reset(p.timeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				p.processBatch(batch)
				batch = nil
			}
			timer.Reset(p.timeout)
		}
	}
}

func (p *WorkerPool) processBatch(batch []Record) {
	for _, proc := range p.processors {
		if err := proc.Process(batch); err != nil {
			log.Printf("Error processing audit batch: %v", err)
		}
	}
}

func (p *WorkerPool) Emit(rec Record) {
	select {
	case p.inputCh <- rec:
	default:
		log.Println("Audit channel full, dropping record")
	}
}

func (p *WorkerPool) Shutdown(cancelFunc context.CancelFunc) {
	cancelFunc()
	p.wg.Wait()
}
