package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/rollout"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

func newStatusCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show master status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
				status, err := contract.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			})
		},
	}
}

func newSubmitCommand(cfg *cliConfig) *cobra.Command {
	var manifestFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a deployment manifest",
		Long: `Submit the desired state of a lineage.

Submitting a new template version starts a rolling update. Submitting the
current version only changes replicas or rollout limits.

Examples:
  mastercli submit -f web.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestFile == "" {
				return errors.NewValidationError("manifest file is required, use -f <file>", nil)
			}
			data, err := os.ReadFile(manifestFile)
			if err != nil {
				return errors.NewIOError("failed to read manifest", err).WithContext("file", manifestFile)
			}
			manifest, err := desired.ParseManifest(data)
			if err != nil {
				return err
			}
			state, err := manifest.DesiredState()
			if err != nil {
				return err
			}

			return withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
				result, err := contract.Submit(ctx, state)
				if err != nil {
					return err
				}
				return printRollout(cfg, result)
			})
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "Manifest file")
	return cmd
}

func newPauseCommand(cfg *cliConfig) *cobra.Command {
	return lineageCommand(cfg, "pause", "Pause the rollout of a lineage, holding its version mix", domain.Contract.Pause)
}

func newResumeCommand(cfg *cliConfig) *cobra.Command {
	return lineageCommand(cfg, "resume", "Resume a paused or stalled rollout", domain.Contract.Resume)
}

func newGetCommand(cfg *cliConfig) *cobra.Command {
	return lineageCommand(cfg, "get", "Show the rollout of a lineage", domain.Contract.GetRollout)
}

func lineageCommand(cfg *cliConfig, use, short string,
	call func(domain.Contract, context.Context, string) (rollout.RolloutState, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <lineage>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
				result, err := call(contract, ctx, args[0])
				if err != nil {
					return err
				}
				return printRollout(cfg, result)
			})
		},
	}
}

func newRollbackCommand(cfg *cliConfig) *cobra.Command {
	var revision int

	cmd := &cobra.Command{
		Use:   "rollback <lineage>",
		Short: "Roll a lineage back to an earlier revision",
		Long: `Roll a lineage back to an earlier revision.

Without --revision the previous revision is used.

Examples:
  mastercli rollback web
  mastercli rollback web --revision 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
				result, err := contract.Rollback(ctx, args[0], revision)
				if err != nil {
					return err
				}
				return printRollout(cfg, result)
			})
		},
	}

	cmd.Flags().IntVar(&revision, "revision", 0, "Revision number to roll back to")
	return cmd
}

func newHistoryCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "history <lineage>",
		Short: "List the revisions of a lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
				revisions, err := contract.History(ctx, args[0])
				if err != nil {
					return err
				}
				if cfg.JSONOutput {
					return printJSON(revisions)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "REVISION\tVERSION\tSUBMITTED")
				for _, revision := range revisions {
					fmt.Fprintf(w, "%d\t%s\t%s\n", revision.Number, revision.Version, formatTime(revision.SubmittedAt))
				}
				return w.Flush()
			})
		},
	}
}

func newUnitsCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "units [lineage]",
		Short: "List units, of one lineage or of all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lineage := ""
			if len(args) == 1 {
				lineage = args[0]
			}
			return withContract(cfg, func(ctx context.Context, contract domain.Contract) error {
				records, err := contract.ListUnits(ctx, lineage)
				if err != nil {
					return err
				}
				if cfg.JSONOutput {
					return printJSON(records)
				}
				return printUnits(records)
			})
		},
	}
}

func printUnits(records []units.UnitRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLINEAGE\tVERSION\tPHASE\tLIVENESS\tREADINESS\tPID\tADDRESS\tAGE")
	for _, record := range records {
		phase := string(record.Phase)
		if record.FailureReason != "" {
			phase += "(" + string(record.FailureReason) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			record.ID, record.Lineage, record.Version, phase,
			record.Health.Liveness, record.Health.Readiness,
			record.PID, record.Address, time.Since(record.CreatedAt).Round(time.Second))
	}
	return w.Flush()
}

func printRollout(cfg *cliConfig, state rollout.RolloutState) error {
	if cfg.JSONOutput {
		return printJSON(state)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Lineage:\t%s\n", state.Lineage)
	fmt.Fprintf(w, "Phase:\t%s\n", state.Phase)
	fmt.Fprintf(w, "Revision:\t%d\n", state.Revision)
	fmt.Fprintf(w, "Version:\t%s -> %s\n", orNone(state.CurrentVersion), orNone(state.TargetVersion))
	fmt.Fprintf(w, "Replicas:\t%d\n", state.Replicas)
	fmt.Fprintf(w, "Progress:\t%d updated, %d ready, %d available, %d unavailable, %d total\n",
		state.Progress.Updated, state.Progress.Ready, state.Progress.Available,
		state.Progress.Unavailable, state.Progress.Total)
	if len(state.Held) > 0 {
		fmt.Fprintf(w, "Held:\t%s\n", formatHeld(state.Held))
	}
	if state.Stalled != nil {
		fmt.Fprintf(w, "Stalled:\t%s: %s (since %s)\n",
			state.Stalled.Reason, state.Stalled.Message, formatTime(state.Stalled.Since))
	}
	if state.Degraded != nil {
		fmt.Fprintf(w, "Degraded:\t%s: %s (since %s)\n",
			state.Degraded.Reason, state.Degraded.Message, formatTime(state.Degraded.Since))
	}
	return w.Flush()
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatHeld(held map[string]int) string {
	versions := make([]string, 0, len(held))
	for version := range held {
		versions = append(versions, version)
	}
	sort.Strings(versions)

	parts := make([]string, 0, len(versions))
	for _, version := range versions {
		parts = append(parts, fmt.Sprintf("%s=%d", version, held[version]))
	}
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
