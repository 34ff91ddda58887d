package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/idempotency"
)

// DefaultCheckInterval is how often the manager looks for a new day.
const DefaultCheckInterval = time.Hour

// Manager runs the reminder job once per calendar day and sweeps expired
// idempotency records on the same schedule.
type Manager struct {
	job      *Job
	sweeper  idempotency.Sweeper
	interval time.Duration
	now      func() time.Time
	loc      *time.Location

	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	lastDay time.Time
}

// NewManager creates a manager. sweeper may be nil.
func NewManager(job *Job, sweeper idempotency.Sweeper, loc *time.Location) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		job:      job,
		sweeper:  sweeper,
		interval: DefaultCheckInterval,
		now:      time.Now,
		loc:      loc,
	}
}

// Start launches the background worker and runs one check immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Reminder Manager] Starting")

	m.ticker = time.NewTicker(m.interval)
	m.wg.Add(1)
	go m.worker(m.ticker, m.stopCh)

	log.Infof("[Reminder Manager] Started (check interval: %s)", m.interval)
}

// Stop halts the worker and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Reminder Manager] Stopping...")
	m.ticker.Stop()
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Reminder Manager] Stopped successfully")
}

func (m *Manager) worker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()

	m.Tick(context.Background())
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Tick(context.Background())
		}
	}
}

// Tick runs the daily work if the calendar day changed since the last run.
// It reports whether the job ran.
func (m *Manager) Tick(ctx context.Context) bool {
	today := entitlements.Today(m.now(), m.loc)
	if !m.lastDay.IsZero() && !today.After(m.lastDay) {
		return false
	}
	m.lastDay = today

	results, err := m.job.Run(ctx, today)
	if err != nil {
		log.Errorf("[Reminder Manager] Reminder run finished with errors: %v", err)
	} else {
		log.Infof("[Reminder Manager] Reminder run finished (%d profiles)", len(results))
	}

	if m.sweeper != nil {
		if n, err := m.sweeper.Sweep(ctx); err != nil {
			log.Errorf("[Reminder Manager] Idempotency sweep failed: %v", err)
		} else if n > 0 {
			log.Infof("[Reminder Manager] Swept %d expired idempotency records", n)
		}
	}
	return true
}
