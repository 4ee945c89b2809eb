package orchestrator

import "github.com/bugbot-io/bugbot/pkg/models"

// stageProgress is the fixed progress band per stage: dispatch sets the
// start value, completion sets the end value. Progress only ever moves
// forward; a retry can never pull it back.
var stageProgress = map[models.Stage]struct{ Start, End int }{
	models.StageRecon:      {10, 30},
	models.StageStatic:     {35, 50},
	models.StageFuzzing:    {50, 65},
	models.StageMonitoring: {65, 75},
	models.StageTriage:     {80, 90},
	models.StageReporting:  {95, 100},
}

// clampProgress applies the monotonic rule inside a store update.
func clampProgress(scan *models.Scan, p int) {
	if p > scan.Progress {
		scan.Progress = p
	}
}
