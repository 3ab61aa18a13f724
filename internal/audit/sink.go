package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradegate/internal/domain"
	"tradegate/internal/ids"
)

// Appender is the durable half of the sink.
type Appender interface {
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Notifier receives records after they are durable. Failures are logged
// and never change a command's outcome.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, rec domain.AuditRecord) error
}

type Sink struct {
	appender  Appender
	notifiers []Notifier
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewSink(appender Appender, logger *zap.Logger, notifiers ...Notifier) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		appender:  appender,
		notifiers: notifiers,
		timeout:   10 * time.Second,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Tests only.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

// Record stamps rec, writes it durably and fans it out. A failed durable
// write is returned as AuditWriteFailed and nothing is notified.
func (s *Sink) Record(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.ID == "" {
		rec.ID = ids.At(rec.Timestamp)
	}
	if len(rec.ArgsRedacted) == 0 {
		rec.ArgsRedacted = []byte("{}")
	}
	if err := s.appender.AppendAudit(ctx, rec); err != nil {
		s.logger.Error("audit write failed",
			zap.String("command_id", rec.CommandID),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err),
		)
		return rec, domain.WrapError(domain.ErrAuditWriteFailed, "durable audit write failed", err)
	}
	s.logger.Info("command audited",
		zap.String("command_id", rec.CommandID),
		zap.String("origin", string(rec.Origin)),
		zap.String("kind", string(rec.Kind)),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("error_kind", string(rec.ErrorKind)),
	)
	s.fanOut(rec)
	return rec, nil
}

func (s *Sink) fanOut(rec domain.AuditRecord) {
	if len(s.notifiers) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var g errgroup.Group
		for _, n := range s.notifiers {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
				defer cancel()
				if err := n.Notify(ctx, rec); err != nil {
					s.logger.Warn("audit notification failed",
						zap.String("notifier", n.Name()),
						zap.String("command_id", rec.CommandID),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Wait blocks until every pending notification has finished.
func (s *Sink) Wait() {
	s.wg.Wait()
}
