package app

import (
	"time"

	"github.com/voxspace/core/internal/config"
	"github.com/voxspace/core/internal/modules/replay"
	"github.com/voxspace/core/internal/modules/room"
	pkgcron "github.com/voxspace/core/internal/pkg/cron"
)

// registerCronJobs wires the background sweeps. Presence reconciliation runs
// at the TTL cadence so a stale entry is gone within two windows; the replay
// sweep runs far less often since idle buffers only cost memory.
func registerCronJobs(sched *pkgcron.Scheduler, rooms *room.Service, replayMgr *replay.Manager, sc config.SignalingConfig) {
	sched.Register(pkgcron.Job{
		Name:        "presence_reconcile",
		Description: "Drop room members whose presence heartbeat key has expired",
		Interval:    sc.PresenceTTL,
		Fn:          rooms.Reconcile,
	})
	sched.Register(pkgcron.Job{
		Name:        "replay_sweep",
		Description: "Evict replay buffers idle past the retention window",
		Interval:    5 * time.Minute,
		Fn:          replayMgr.SweepIdle,
	})
}
