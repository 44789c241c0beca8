package server

import (
	"time"

	"github.com/shmdb/shmdb/db/commit"
	"github.com/shmdb/shmdb/db/util/worker"
)

// maintenanceTask asks for a maintenance round. Pending requests coalesce
// since a round covers everything decided before it started.
type maintenanceTask struct{}

type maintenanceHandler struct {
	maintainer *commit.Maintainer
	interval   time.Duration
}

func (h *maintenanceHandler) Handle(t worker.Task) {
	if _, ok := t.(maintenanceTask); ok {
		h.maintainer.Perform()
	}
}

func (h *maintenanceHandler) TickInterval() time.Duration {
	return h.interval
}

func (h *maintenanceHandler) Tick() {
	h.maintainer.Perform()
}
