package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/dedupe"
	"github.com/sells-group/lead-dedupe/internal/lead"
	"github.com/sells-group/lead-dedupe/internal/review"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Find, list, merge, and export duplicate leads",
}

var (
	runJobID     string
	runLeadIDs   []string
	runAutoMerge bool
)

var dedupeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one dedupe pass (explicit ids, one job, or a full sweep)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDedupe(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Run(ctx, dedupe.Request{
			JobID:     runJobID,
			LeadIDs:   runLeadIDs,
			AutoMerge: runAutoMerge,
		})
		if err != nil {
			return eris.Wrap(err, "dedupe run")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var (
	pairsUnmerged bool
	pairsLeadID   string
	pairsLimit    int
)

var dedupePairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "List recorded duplicate relationships",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.ListDuplicates(ctx, lead.DuplicateFilter{
			UnmergedOnly: pairsUnmerged,
			LeadID:       pairsLeadID,
			Limit:        pairsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list duplicates")
		}
		if rows == nil {
			rows = []lead.Duplicate{}
		}
		return printJSON(cmd.OutOrStdout(), rows)
	},
}

var dedupeMergeCmd = &cobra.Command{
	Use:   "merge <relationship-id>",
	Short: "Merge one recorded duplicate pair into its primary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initDedupe(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.MergeByID(ctx, args[0]); err != nil {
			return err
		}
		zap.L().Info("pair merged", zap.String("relationship_id", args[0]))
		return nil
	},
}

var (
	exportOut      string
	exportUnmerged bool
	exportLimit    int
)

var dedupeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export duplicate pairs to an XLSX workbook for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pairs, leads, err := review.Load(ctx, st, lead.DuplicateFilter{
			UnmergedOnly: exportUnmerged,
			Limit:        exportLimit,
		})
		if err != nil {
			return err
		}

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrapf(err, "create %s", exportOut)
		}
		if err := review.ExportXLSX(f, pairs, leads); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrapf(err, "close %s", exportOut)
		}

		zap.L().Info("review workbook written",
			zap.String("path", exportOut),
			zap.Int("pairs", len(pairs)),
		)
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	dedupeRunCmd.Flags().StringVar(&runJobID, "job-id", "", "dedupe the leads of one producing job")
	dedupeRunCmd.Flags().StringSliceVar(&runLeadIDs, "lead-ids", nil, "dedupe these lead ids plus same-domain neighbors")
	dedupeRunCmd.Flags().BoolVar(&runAutoMerge, "auto-merge", false, "merge discovered pairs")

	dedupePairsCmd.Flags().BoolVar(&pairsUnmerged, "unmerged", false, "only pairs not yet merged")
	dedupePairsCmd.Flags().StringVar(&pairsLeadID, "lead-id", "", "only pairs naming this lead")
	dedupePairsCmd.Flags().IntVar(&pairsLimit, "limit", 100, "max pairs to list (0 = all)")

	dedupeExportCmd.Flags().StringVar(&exportOut, "out", "duplicates.xlsx", "output workbook path")
	dedupeExportCmd.Flags().BoolVar(&exportUnmerged, "unmerged", false, "only pairs not yet merged")
	dedupeExportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max pairs to export (0 = all)")

	dedupeCmd.AddCommand(dedupeRunCmd, dedupePairsCmd, dedupeMergeCmd, dedupeExportCmd)
	rootCmd.AddCommand(dedupeCmd)
}
