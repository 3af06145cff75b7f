package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// DueLister finds users whose provider records need a refetch.
type DueLister interface {
	UsersDueForRefresh(ctx context.Context, now time.Time, lookahead, lookback time.Duration, limit int) ([]uint, error)
}

// Flusher drains buffered counters into the database.
type Flusher interface {
	Flush(ctx context.Context) error
}

type ManagerOptions struct {
	SweepSpec      string
	SweepBatch     int
	SweepLookahead time.Duration
	SweepLookback  time.Duration
	FlushSpec      string
}

// Manager runs the job queue plus the periodic sweep and counter flush.
type Manager struct {
	queue   *Queue
	enqueue Enqueuer
	due     DueLister
	flusher Flusher
	opts    ManagerOptions
	now     func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

func NewManager(queue *Queue, due DueLister, flusher Flusher, opts ManagerOptions) *Manager {
	if opts.SweepSpec == "" {
		opts.SweepSpec = "@every 30m"
	}
	if opts.FlushSpec == "" {
		opts.FlushSpec = "@every 1m"
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	if opts.SweepLookahead <= 0 {
		opts.SweepLookahead = 24 * time.Hour
	}
	if opts.SweepLookback <= 0 {
		opts.SweepLookback = 7 * 24 * time.Hour
	}
	m := &Manager{
		queue:   queue,
		due:     due,
		flusher: flusher,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if queue != nil {
		m.enqueue = queue
	}
	return m
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the queue workers and the scheduled tasks.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.opts.SweepSpec, func() {
		if _, err := m.SweepOnce(context.Background()); err != nil {
			log.Errorf("[JobQueue Manager] Sweep error: %v", err)
		}
	}); err != nil {
		return err
	}
	if m.flusher != nil {
		if _, err := c.AddFunc(m.opts.FlushSpec, func() {
			if err := m.flusher.Flush(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}); err != nil {
			return err
		}
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	if m.queue != nil {
		m.queue.Start()
	}
	c.Start()
	m.cron = c
	m.running = true
	log.Infof("[JobQueue Manager] Started (sweep %q, flush %q)", m.opts.SweepSpec, m.opts.FlushSpec)
	return nil
}

// Stop stops the scheduler, waits for running tasks and stops the queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	<-m.cron.Stop().Done()
	if m.queue != nil {
		m.queue.Stop()
	}
	if m.flusher != nil {
		if err := m.flusher.Flush(context.Background()); err != nil {
			log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
		}
	}
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SweepOnce queues a refresh for every user whose recurring record expires
// soon or expired recently, and returns how many were queued.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	ids, err := m.due.UsersDueForRefresh(ctx, m.now(), m.opts.SweepLookahead, m.opts.SweepLookback, m.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if _, err := EnqueueRefresh(ctx, m.enqueue, id, "sweep"); err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		log.Infof("[JobQueue Manager] Sweep queued %d refresh jobs", queued)
	}
	return queued, nil
}
