package pipeline

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/telemetry"
)

// stageTimer records the processing time of one unit of work in a stage.
type stageTimer struct {
	stage     string
	startTime time.Time
}

func startStage(stage string) stageTimer {
	return stageTimer{
		stage:     stage,
		startTime: time.Now(),
	}
}

// done records the elapsed time.
func (s stageTimer) done() {
	telemetry.StageDurationSeconds.With(s.stage).Observe(time.Since(s.startTime).Seconds())
}

// fail records the elapsed time, logs err and returns it unchanged.
func (s stageTimer) fail(err error) error {
	s.done()
	log.Error().Err(err).Str("stage", s.stage).Msg("Pipeline stage failed")
	return err
}
