package room

import (
	"time"

	"go.uber.org/zap"
)

// Reaper periodically closes idle rooms
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewReaper creates a new idle room reaper
func NewReaper(manager *Manager, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the background reaping loop
func (r *Reaper) Start() {
	go r.reapLoop()
	r.logger.Info("Room reaper started", zap.Duration("interval", r.interval))
}

// Stop stops the loop and waits for it to exit
func (r *Reaper) Stop() {
	close(r.stopChan)
	<-r.doneChan
	r.logger.Info("Room reaper stopped")
}

func (r *Reaper) reapLoop() {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.runReap()
		}
	}
}

func (r *Reaper) runReap() {
	closed := r.manager.ReapIdle(time.Now().UTC())
	if closed > 0 {
		r.logger.Info("Room reap completed",
			zap.Int("closed", closed),
			zap.Int("remaining", r.manager.Len()))
	}
}
