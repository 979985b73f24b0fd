package notificator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// Alerter tells operators about a dead-lettered notification.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

const alertQueueSize = 32

type alert struct {
	subject string
	body    string
}

type Settings struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Workers        int
	QueueSize      int
}

// Notificator delivers user notifications in the background. Delivery failures never
// reach the caller; after MaxAttempts the job goes to the dead-letter log.
type Notificator struct {
	logger    *logger.Logger
	db        models.Repository
	messenger models.Messenger
	alerter   Alerter
	settings  Settings

	queue chan *models.NotificationJob
	stop  chan struct{}
	wg    sync.WaitGroup

	// operator alerts are sent by alertLoop, never by a delivery worker or a Notify caller
	alerts    chan alert
	alertStop chan struct{}
	alertWg   sync.WaitGroup

	// pending counts jobs accepted into the queue and not yet delivered or dead-lettered
	pending atomic.Int64

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

var _ models.NotificationService = (*Notificator)(nil)

// NewNotificator creates the dispatcher. alerter may be nil.
func NewNotificator(logger *logger.Logger, db models.Repository, messenger models.Messenger, alerter Alerter, settings Settings) *Notificator {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 1
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.QueueSize <= 0 {
		settings.QueueSize = 1
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 10 * time.Second
	}
	return &Notificator{
		logger:    logger,
		db:        db,
		messenger: messenger,
		alerter:   alerter,
		settings:  settings,
		queue:     make(chan *models.NotificationJob, settings.QueueSize),
		stop:      make(chan struct{}),
		alerts:    make(chan alert, alertQueueSize),
		alertStop: make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (n *Notificator) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped {
		return
	}
	n.started = true
	for i := 0; i < n.settings.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	if n.alerter != nil {
		n.alertWg.Add(1)
		go n.alertLoop()
	}
}

// Stop waits for in-flight deliveries and moves queued jobs to the dead-letter log.
func (n *Notificator) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		close(n.stop)
		n.wg.Wait()

	drain:
		for {
			select {
			case job := <-n.queue:
				n.deadLetter(job, "shutdown")
				n.pending.Add(-1)
			default:
				metrics.NotificationQueueDepth.Set(0)
				break drain
			}
		}

		close(n.alertStop)
		n.alertWg.Wait()
	})
}

// Drain waits until every queued job was delivered or dead-lettered. Workers must be running.
func (n *Notificator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for n.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Notify enqueues a message for userID and returns immediately.
func (n *Notificator) Notify(userID int64, kind models.NotificationKind, message string) {
	job := &models.NotificationJob{
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	if cause := n.enqueue(job); cause != "" {
		n.deadLetter(job, cause)
	}
}

// enqueue returns why job was not queued, or "" on success. Callers dead-letter outside the lock.
func (n *Notificator) enqueue(job *models.NotificationJob) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return "shutdown"
	}
	n.pending.Add(1)
	select {
	case n.queue <- job:
		metrics.NotificationQueueDepth.Set(float64(len(n.queue)))
		return ""
	default:
		n.pending.Add(-1)
		return "queue full"
	}
}

func (n *Notificator) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case job := <-n.queue:
			metrics.NotificationQueueDepth.Set(float64(len(n.queue)))
			n.deliver(job)
			n.pending.Add(-1)
		}
	}
}

func (n *Notificator) deliver(job *models.NotificationJob) {
	b := &backoff.Backoff{
		Min:    n.settings.InitialBackoff,
		Max:    n.settings.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; attempt <= n.settings.MaxAttempts; attempt++ {
		job.Attempts = attempt
		err := n.send(job)
		if err == nil {
			metrics.NotificationsTotal.WithLabelValues(string(job.Kind), "sent").Inc()
			return
		}
		deliveryErr := &models.DeliveryError{UserID: job.UserID, Attempt: attempt, Err: err}
		job.LastError = err.Error()
		n.logger.Warnw("notification delivery failed", "error", deliveryErr, "kind", job.Kind)
		if attempt == n.settings.MaxAttempts {
			break
		}
		metrics.NotificationsTotal.WithLabelValues(string(job.Kind), "retry").Inc()

		timer := time.NewTimer(b.Duration())
		select {
		case <-n.stop:
			timer.Stop()
			n.deadLetter(job, "shutdown")
			return
		case <-timer.C:
		}
	}
	n.deadLetter(job, "attempts exhausted")
}

// send runs one delivery attempt with panic recovery
func (n *Notificator) send(job *models.NotificationJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("Messenger panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("messenger panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), n.settings.CallTimeout)
	defer cancel()
	return n.messenger.SendMessage(ctx, job.UserID, job.Message)
}

func (n *Notificator) deadLetter(job *models.NotificationJob, cause string) {
	metrics.NotificationsTotal.WithLabelValues(string(job.Kind), "dead_letter").Inc()
	lastError := job.LastError
	if lastError == "" {
		lastError = cause
	} else {
		lastError = cause + ": " + lastError
	}
	n.logger.Errorw("notification dead-lettered",
		"user_id", job.UserID,
		"kind", job.Kind,
		"attempts", job.Attempts,
		"cause", lastError)

	ctx, cancel := context.WithTimeout(context.Background(), n.settings.CallTimeout)
	defer cancel()
	letter := &models.DeadLetter{
		UserID:    job.UserID,
		Kind:      job.Kind,
		Message:   job.Message,
		Attempts:  job.Attempts,
		LastError: lastError,
	}
	if err := n.db.AddDeadLetter(ctx, letter); err != nil {
		n.logger.Errorw("Failed to store dead letter", "error", err, "user_id", job.UserID)
	}

	if n.alerter != nil {
		n.raiseAlert(alert{
			subject: fmt.Sprintf("Undelivered %s notification for user %d", job.Kind, job.UserID),
			body:    fmt.Sprintf("Attempts: %d\nCause: %s\n\n%s", job.Attempts, lastError, job.Message),
		})
	}
}

// raiseAlert hands the alert to alertLoop and drops it when the alert queue is full.
func (n *Notificator) raiseAlert(a alert) {
	select {
	case n.alerts <- a:
	default:
		n.logger.Warnw("Alert queue full, dropping operator alert", "subject", a.subject)
	}
}

func (n *Notificator) alertLoop() {
	defer n.alertWg.Done()
	for {
		select {
		case a := <-n.alerts:
			n.sendAlert(a)
		case <-n.alertStop:
			for {
				select {
				case a := <-n.alerts:
					n.sendAlert(a)
				default:
					return
				}
			}
		}
	}
}

func (n *Notificator) sendAlert(a alert) {
	ctx, cancel := context.WithTimeout(context.Background(), n.settings.CallTimeout)
	defer cancel()
	if err := n.alerter.Alert(ctx, a.subject, a.body); err != nil {
		n.logger.Errorw("Failed to alert operators", "error", err, "subject", a.subject)
	}
}
