package experiment

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/pkg/logger"
)

// Sweeper runs Engine.Sweep on a cron schedule such as "@every 1m".
type Sweeper struct {
	cron   *cron.Cron
	engine *Engine
}

func NewSweeper(engine *Engine, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		engine: engine,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	running := len(s.engine.Running())
	if running == 0 {
		return
	}
	logger.Debug("Sweeping experiments", zap.Int("running", running))
	s.engine.Sweep(context.Background())
}

func (s *Sweeper) Start() {
	s.cron.Start()
	logger.Info("Experiment sweeper started")
}

// Stop waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
