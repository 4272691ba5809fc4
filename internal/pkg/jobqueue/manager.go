package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/ManuelReschke/ServiceFox/internal/pkg/billing"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/database"
	metrics "github.com/ManuelReschke/ServiceFox/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2/log"
)

const (
	defaultSweepInterval        = 10 * time.Minute
	defaultCounterFlushInterval = 1 * time.Minute
)

// Manager runs the background tasks of the billing core: the grace-period
// expiry sweep and the claim-counter flush.
type Manager struct {
	sweepTicker        *time.Ticker
	counterFlushTicker *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global background task manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// Start starts the background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Background Manager] Starting grace sweep and counter flush")

	m.sweepTicker = time.NewTicker(defaultSweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	m.counterFlushTicker = time.NewTicker(defaultCounterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker()
}

// Stop stops the background tasks and waits for them to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	close(m.stopCh)
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}
	m.wg.Wait()
	log.Info("[Background Manager] Stopped")
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.sweepTicker.C:
			m.runSweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) runSweep() {
	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	downgraded, err := svc.SweepExpiredGracePeriods(ctx)
	if err != nil {
		log.Errorf("[Background Manager] Grace sweep failed: %v", err)
		return
	}
	if downgraded > 0 {
		log.Infof("[Background Manager] Grace sweep downgraded %d account(s)", downgraded)
	}
}

func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.counterFlushTicker.C:
			if err := metrics.FlushAll(); err != nil {
				log.Errorf("[Background Manager] Counter flush failed: %v", err)
			}
		case <-m.stopCh:
			// Final flush so pending counters survive shutdown.
			if err := metrics.FlushAll(); err != nil {
				log.Errorf("[Background Manager] Final counter flush failed: %v", err)
			}
			return
		}
	}
}
