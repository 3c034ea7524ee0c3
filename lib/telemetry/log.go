package telemetry

import (
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/objrepo/lib/repo"
)

var log = logger.GetLogger("telemetry")

// Log writes notifications to the "telemetry" logger. Drops are always
// logged as warnings, reads, writes and removes only when verbose is set.
type Log struct {
	verbose bool
}

func NewLog(verbose bool) *Log {
	return &Log{verbose: verbose}
}

func (l *Log) OnRead(unit repo.UnitID, kind repo.Kind, identity string, size int) {
	if l.verbose {
		log.Debugf("read %s/%s/%q (%d bytes)", unit, kind, identity, size)
	}
}

func (l *Log) OnWrite(unit repo.UnitID, kind repo.Kind, identity string, size int) {
	if l.verbose {
		log.Debugf("write %s/%s/%q (%d bytes)", unit, kind, identity, size)
	}
}

func (l *Log) OnRemove(unit repo.UnitID, kind repo.Kind, identity string) {
	if l.verbose {
		log.Debugf("remove %s/%s/%q", unit, kind, identity)
	}
}

func (l *Log) OnDrop(unit repo.UnitID, kind repo.Kind, identity string, reason repo.DropReason) {
	log.Warningf("dropped %s/%s/%q: %s", unit, kind, identity, reason)
}
