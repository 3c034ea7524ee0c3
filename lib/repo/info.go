package repo

import (
	"sort"

	"github.com/ValentinKolb/objrepo/lib/disk"
	"github.com/ValentinKolb/objrepo/lib/repo/internal"
	"github.com/ValentinKolb/objrepo/lib/util"
)

// Info describes the repository and its open units.
type Info struct {
	Running      bool       `json:"running"`
	Level        string     `json:"level"`
	CachePolicy  string     `json:"cache_policy"`
	ValidateKeys bool       `json:"validate_keys"`
	DataDir      string     `json:"data_dir"`
	Units        []UnitInfo `json:"units"`
	// DiskDistribution rates how evenly the live bytes are spread over the units.
	DiskDistribution util.DistributionStats `json:"disk_distribution"`
}

// UnitInfo describes one open unit.
type UnitInfo struct {
	ID         UnitID `json:"id"`
	State      string `json:"state"`
	Cached     int    `json:"cached"`
	Tombstones int    `json:"tombstones"`
	Hung       int    `json:"hung"`
	Pending    int    `json:"pending"`
	Queued     int    `json:"queued"`

	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Removes  uint64 `json:"removes"`
	Failures uint64 `json:"failures"`
	Errors   uint64 `json:"errors"`

	WriteSizeAvg    int `json:"write_size_avg"`
	WriteSizeMedian int `json:"write_size_median"`
	WriteSizeP99    int `json:"write_size_p99"`

	Disk     *disk.Stats    `json:"disk,omitempty"`
	Recovery *disk.Recovery `json:"recovery,omitempty"`
}

func (r *repository) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := Info{
		Running:      r.running,
		CachePolicy:  r.cfg.CachePolicy.String(),
		ValidateKeys: r.cfg.ValidateKeys,
		DataDir:      r.cfg.DataDir,
	}
	if !r.running {
		return info
	}
	info.Level = r.level.String()

	r.units.Range(func(_ UnitID, u *unit) bool {
		info.Units = append(info.Units, u.info())
		return true
	})
	sort.Slice(info.Units, func(i, j int) bool { return info.Units[i].ID < info.Units[j].ID })

	var live []float64
	for _, ui := range info.Units {
		if ui.Disk != nil {
			live = append(live, float64(ui.Disk.LiveBytes))
		}
	}
	info.DiskDistribution = util.NewDistributionStats(live)
	return info
}

func (u *unit) info() UnitInfo {
	ui := UnitInfo{
		ID:              u.id,
		State:           u.State().String(),
		Queued:          u.queue.Len(),
		Reads:           u.reads.Load(),
		Writes:          u.writes.Load(),
		Removes:         u.removes.Load(),
		Failures:        u.failures.Load(),
		Errors:          u.corrupt.Load(),
		WriteSizeAvg:    u.sizes.AverageSize(),
		WriteSizeMedian: u.sizes.MedianEstimate(),
		WriteSizeP99:    u.sizes.PercentileEstimate(99),
	}

	u.cache.Range(func(_ cacheKey, e internal.Entry) bool {
		if e.State == internal.StateTombstone {
			ui.Tombstones++
		} else {
			ui.Cached++
		}
		if e.Pinned {
			ui.Hung++
		}
		if e.Ticket != nil {
			ui.Pending++
		}
		return true
	})

	if u.store != nil {
		st := u.store.Stats()
		rec := u.store.Recovery()
		ui.Disk = &st
		ui.Recovery = &rec
	}
	return ui
}
