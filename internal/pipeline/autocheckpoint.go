package pipeline

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// AutoCheckpoint drives a single cron-scheduled job that periodically saves
// a session, generalized from the teacher's multi-job Scheduler down to the
// one job this system needs (SPEC_FULL.md §2 domain-stack wiring). It is
// strictly additive: a session with no AutoCheckpoint attached behaves
// exactly as before, and a save triggered here uses the same Session.Save
// path a caller could invoke directly.
type AutoCheckpoint struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

// NewAutoCheckpoint builds a checkpoint scheduler. schedule is empty checks
// nothing (disabled); configure it with Configure.
func NewAutoCheckpoint() *AutoCheckpoint {
	return &AutoCheckpoint{cron: cron.New()}
}

// Configure (re)schedules the checkpoint job. An empty expr disables it.
// save is invoked from the cron goroutine; errors are logged, not returned,
// since there is no caller left to hand them to by the time the job fires.
func (a *AutoCheckpoint) Configure(expr string, save func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entryID != 0 {
		a.cron.Remove(a.entryID)
		a.entryID = 0
	}
	if expr == "" {
		return nil
	}
	id, err := a.cron.AddFunc(expr, func() {
		if err := save(); err != nil {
			log.Printf("autocheckpoint: save failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	a.entryID = id
	return nil
}

// Start begins the cron loop. Safe to call even with no job configured.
func (a *AutoCheckpoint) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.cron.Start()
}

// Stop halts the cron loop, waiting for any in-flight job to finish.
func (a *AutoCheckpoint) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.running = false
}
