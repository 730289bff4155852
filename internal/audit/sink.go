package audit

/*
Файл sink.go реализует Sink — fire-and-forget приемник событий аудита.

Ключевые особенности архитектуры:
- Non-blocking Logging: неблокирующий канал между Hot Path (движок, токены)
  и воркером записи. Задержки БД не влияют на Response Time.
- Batching: накопление событий в памяти и пакетная запись (Bulk Insert)
  в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается до
  конца (sync.WaitGroup + закрытие канала), финальный flush гарантирован.
- Сбой записи логируется и глотается: аудит никогда не роняет основной поток.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Recorder — то, что видят движок и Token Service
type Recorder interface {
	Record(event Event)
}

// GaugeSetter — необязательный датчик заполненности буфера (Prometheus)
type GaugeSetter interface {
	Set(float64)
}

type Sink struct {
	ch     chan Event
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	gauge         GaugeSetter

	// Защита от Record после остановки
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

type SinkOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	BufferGauge   GaugeSetter
}

func NewSink(repo StorageInterface, logger *zap.Logger, opts SinkOptions) *Sink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}

	return &Sink{
		ch:            make(chan Event, opts.BufferSize),
		repo:          repo,
		logger:        logger.Named("audit"),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		gauge:         opts.BufferGauge,
	}
}

func (s *Sink) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет
func (s *Sink) Stop() {
	atomic.StoreInt32(&s.isClosed, 1)

	// Крошечная пауза, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	s.logger.Info("stopping audit sink: closing channel and flushing buffer...")
	close(s.ch)
	s.wg.Wait()
	s.logger.Info("audit sink stopped gracefully")
}

// Record принимает событие без блокировки вызывающего.
// Переполнение буфера — Load Shedding: событие уходит в обычный лог.
func (s *Sink) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&s.isClosed) == 1 {
		s.logger.Warn("audit event dropped: sink is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case s.ch <- event:
		if s.gauge != nil {
			s.gauge.Set(float64(len(s.ch)))
		}
	default:
		// Backpressure: не теряем данные молча
		s.logger.Error("audit_buffer_overflow",
			zap.String("event_type", event.EventType),
			zap.String("request_id", event.RequestID),
		)
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()

	batch := make([]Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст может быть уже закрыт
			if err := s.repo.WriteBatch(context.Background(), batch); err != nil {
				s.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-s.ch:
			if !ok {
				// Канал закрыт в Stop(): воркер вычитал остатки,
				// делает финальный flush и выходит
				flush()
				s.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
