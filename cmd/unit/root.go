package unit

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"

	"github.com/ValentinKolb/objrepo/cmd/util"
	"github.com/ValentinKolb/objrepo/lib/disk"
	"github.com/ValentinKolb/objrepo/lib/repo"
)

var (
	log = logger.GetLogger("cli")

	// UnitCommands represents the unit command group
	UnitCommands = &cobra.Command{
		Use:   "unit",
		Short: "Inspect and maintain the units in the data directory",
		Long: `Inspect and maintain the units in the data directory. Commands that take
a list of units work on all units of the data directory if none is given.
Opening a broken unit resets it, its objects are lost.`,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [unit...]",
		Short: "Print state, cache, disk and recovery information of units as JSON",
		RunE:  runInspect,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify [unit...]",
		Short: "Read and check every record of units",
		RunE:  runVerify,
	}

	compactCmd = &cobra.Command{
		Use:   "compact [unit...]",
		Short: "Rewrite the segments of units without garbage",
		RunE:  runCompact,
	}

	removeCmd = &cobra.Command{
		Use:   "remove unit...",
		Short: "Delete units and all their objects",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRemove,
	}
)

func init() {
	UnitCommands.AddCommand(inspectCmd)
	UnitCommands.AddCommand(verifyCmd)
	UnitCommands.AddCommand(compactCmd)
	UnitCommands.AddCommand(removeCmd)
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// unitArgs returns the units named on the command line or all units of the data dir
func unitArgs(cfg repo.Config, args []string) ([]repo.UnitID, error) {
	if len(args) == 0 {
		return util.UnitsInDataDir(cfg.DataDir)
	}
	units := make([]repo.UnitID, 0, len(args))
	for _, a := range args {
		id := repo.UnitID(a)
		if err := id.Validate(); err != nil {
			return nil, err
		}
		units = append(units, id)
	}
	return units, nil
}

// openRepository starts a durable repository and opens the given units
func openRepository(cfg repo.Config, units []repo.UnitID) (repo.IRepository, error) {
	r, err := repo.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Startup(repo.LevelDurable); err != nil {
		return nil, err
	}
	for _, id := range units {
		err := r.OpenUnit(id)
		switch {
		case err == nil:
		case errors.Is(err, repo.ErrUnitBroken):
			log.Warningf("unit %s was broken and has been reset: %v", id, err)
		default:
			_ = r.Shutdown()
			return nil, err
		}
	}
	return r, nil
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := util.GetRepoConfig()
	if err != nil {
		return err
	}
	units, err := unitArgs(cfg, args)
	if err != nil {
		return err
	}

	r, err := openRepository(cfg, units)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	return util.PrintJSON(cmd.OutOrStdout(), r.Info())
}

type verifyResult struct {
	Unit     repo.UnitID       `json:"unit"`
	Report   disk.VerifyReport `json:"report"`
	Recovery disk.Recovery     `json:"recovery"`
	Disk     disk.Stats        `json:"disk"`
	Error    string            `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := util.GetRepoConfig()
	if err != nil {
		return err
	}
	units, err := unitArgs(cfg, args)
	if err != nil {
		return err
	}

	var (
		results []verifyResult
		failed  int
	)
	for _, id := range units {
		res := verifyUnit(cfg, id)
		if res.Error != "" || len(res.Report.Corrupt) > 0 {
			failed++
		}
		results = append(results, res)
	}

	if err := util.PrintJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d units failed verification", failed, len(units))
	}
	return nil
}

func verifyUnit(cfg repo.Config, id repo.UnitID) verifyResult {
	res := verifyResult{Unit: id}

	st, err := disk.Open(filepath.Join(cfg.DataDir, string(id)), string(id), disk.Options{MaxSegmentSize: cfg.MaxSegmentSize})
	if err != nil && st == nil {
		res.Error = err.Error()
		return res
	}
	if err != nil {
		res.Error = err.Error()
	}
	defer st.Close()

	res.Recovery = st.Recovery()
	res.Disk = st.Stats()
	report, err := st.Verify()
	if err != nil {
		res.Error = err.Error()
	}
	res.Report = report
	return res
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := util.GetRepoConfig()
	if err != nil {
		return err
	}
	units, err := unitArgs(cfg, args)
	if err != nil {
		return err
	}

	r, err := openRepository(cfg, units)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	results := make(map[repo.UnitID]disk.CompactStats, len(units))
	for _, id := range units {
		stats, err := r.Compact(id)
		if err != nil {
			return fmt.Errorf("compact unit %s: %w", id, err)
		}
		results[id] = stats
	}
	return util.PrintJSON(cmd.OutOrStdout(), results)
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := util.GetRepoConfig()
	if err != nil {
		return err
	}
	units, err := unitArgs(cfg, args)
	if err != nil {
		return err
	}

	r, err := openRepository(cfg, nil)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	for _, id := range units {
		if err := r.RemoveUnit(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed unit %s\n", id)
	}
	return nil
}
