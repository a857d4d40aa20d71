package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/mnemo/internal/beads"
	"github.com/thebtf/mnemo/internal/db/gorm"
	"github.com/thebtf/mnemo/internal/maintenance"
	"github.com/thebtf/mnemo/pkg/models"
)

var (
	archiveDays int
	dryRun      bool
	wipeConfirm bool
	statusProbe bool
)

func init() {
	rootCmd.AddCommand(statusCmd, archiveCmd, checkpointCmd, vacuumCmd, purgeExpiredCmd, wipeCmd)

	statusCmd.Flags().BoolVar(&statusProbe, "issues", true, "Probe the issue CLI for open and in-progress counts")
	archiveCmd.Flags().IntVar(&archiveDays, "days", 0, "Archive observations older than this many days; 0 means everything (defaults to archive_days)")
	archiveCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count what would be removed")
	purgeExpiredCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count what would be removed")
	wipeCmd.Flags().BoolVar(&wipeConfirm, "yes", false, "Confirm deleting every observation")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts, size and issue CLI status",
	RunE:  runStatus,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Delete observations older than a cutoff",
	Long: `Delete observations created before now minus --days. The full-text index
follows the deletions.

Examples:
  mnemo archive --dry-run
  mnemo archive --days 30`,
	RunE: runArchive,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Flush the write-ahead log and copy the store file",
	RunE:  runCheckpoint,
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the store file",
	RunE:  runVacuum,
}

var purgeExpiredCmd = &cobra.Command{
	Use:   "purge-expired",
	Short: "Delete observations whose expiry has passed",
	RunE:  runPurgeExpired,
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete every observation",
	RunE:  runWipe,
}

// statusReport is the status command output.
type statusReport struct {
	Store  *maintenance.StoreStatus `json:"store,omitempty"`
	Issues *beads.CLICounts         `json:"issues,omitempty"`
	Exists bool                     `json:"exists"`
}

// withMaintenance runs fn with a maintenance service. A read-only run opens the
// store without creating or migrating it.
func withMaintenance(ctx context.Context, readOnly bool, fn func(ctx context.Context, svc *maintenance.Service) error) error {
	return gorm.WithStore(ctx, storeConfig(readOnly), func(ctx context.Context, store *gorm.Store) error {
		return fn(ctx, maintenance.NewService(store, gorm.NewObservationStore(store), cfg, log.Logger))
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	report := &statusReport{}
	err := gorm.WithStore(cmd.Context(), storeConfig(true), func(ctx context.Context, store *gorm.Store) error {
		st, err := maintenance.NewService(store, gorm.NewObservationStore(store), cfg, log.Logger).Status(ctx)
		if err != nil {
			return err
		}
		report.Store = st
		report.Exists = true
		return nil
	})
	if err != nil && !noStore(err) {
		return err
	}
	if statusProbe {
		counts := issueProbe().Counts(cmd.Context())
		report.Issues = &counts
	}

	return emit(cmd, report, func(w io.Writer) {
		if !report.Exists {
			fmt.Fprintf(w, "No observation store in %s\n", cfg.DBDir())
		} else {
			st := report.Store
			fmt.Fprintf(w, "Store:   %s (%s)\n", st.Path, humanize.Bytes(uint64(st.Size)))
			fmt.Fprintf(w, "Total:   %s observations, %d expired\n", humanize.Comma(st.Total), st.Expired)
			types := make([]string, 0, len(st.ByType))
			for t := range st.ByType {
				types = append(types, string(t))
			}
			sort.Strings(types)
			for _, t := range types {
				fmt.Fprintf(w, "  %-18s %d\n", t, st.ByType[models.ObservationType(t)])
			}
		}
		if report.Issues != nil {
			if report.Issues.Available {
				fmt.Fprintf(w, "Issues:  %d open, %d in progress\n", report.Issues.Open, report.Issues.InProgress)
			} else {
				fmt.Fprintf(w, "Issues:  unavailable (%s)\n", report.Issues.Reason)
			}
		}
	})
}

func runArchive(cmd *cobra.Command, _ []string) error {
	days := archiveDays
	if !cmd.Flags().Changed("days") {
		days = -1
	}
	err := withMaintenance(cmd.Context(), dryRun, func(ctx context.Context, svc *maintenance.Service) error {
		res, err := svc.Archive(ctx, days, dryRun)
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) { printSweep(w, "archived", res) })
	})
	if noStore(err) {
		return emitEmptySweep(cmd, "archived")
	}
	return err
}

func runPurgeExpired(cmd *cobra.Command, _ []string) error {
	err := withMaintenance(cmd.Context(), dryRun, func(ctx context.Context, svc *maintenance.Service) error {
		res, err := svc.PurgeExpired(ctx, dryRun)
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) { printSweep(w, "purged", res) })
	})
	if noStore(err) {
		return emitEmptySweep(cmd, "purged")
	}
	return err
}

// emitEmptySweep reports a dry run over a store that does not exist yet.
func emitEmptySweep(cmd *cobra.Command, verb string) error {
	res := &maintenance.SweepResult{DryRun: true}
	return emit(cmd, res, func(w io.Writer) { printSweep(w, verb, res) })
}

func runCheckpoint(cmd *cobra.Command, _ []string) error {
	return withMaintenance(cmd.Context(), false, func(ctx context.Context, svc *maintenance.Service) error {
		path, err := svc.Checkpoint(ctx)
		if err != nil {
			return err
		}
		return emit(cmd, map[string]string{"path": path}, func(w io.Writer) {
			fmt.Fprintf(w, "Checkpoint written to %s\n", path)
		})
	})
}

func runVacuum(cmd *cobra.Command, _ []string) error {
	return withMaintenance(cmd.Context(), false, func(ctx context.Context, svc *maintenance.Service) error {
		size, err := svc.Vacuum(ctx)
		if err != nil {
			return err
		}
		return emit(cmd, map[string]int64{"size_bytes": size}, func(w io.Writer) {
			fmt.Fprintf(w, "Store compacted to %s\n", humanize.Bytes(uint64(size)))
		})
	})
}

func runWipe(cmd *cobra.Command, _ []string) error {
	if !wipeConfirm {
		return fmt.Errorf("refusing to wipe without --yes")
	}
	return withMaintenance(cmd.Context(), false, func(ctx context.Context, svc *maintenance.Service) error {
		deleted, err := svc.Wipe(ctx)
		if err != nil {
			return err
		}
		return emit(cmd, map[string]int64{"deleted": deleted}, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted %s observations\n", humanize.Comma(deleted))
		})
	})
}

func printSweep(w io.Writer, verb string, res *maintenance.SweepResult) {
	if res.DryRun {
		fmt.Fprintf(w, "Would have %s %s observations (cutoff %s)\n", verb, humanize.Comma(res.Count), res.Cutoff)
		return
	}
	fmt.Fprintf(w, "%s %s observations (cutoff %s)\n", verb, humanize.Comma(res.Count), res.Cutoff)
}
