package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/scanner"
)

// Quota command flags.
var (
	quotaKind    string
	quotaCredits int
	quotaTier    string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and adjust user quotas",
	Long: `Inspect and adjust the quota ledger of a user.

Limits changed here are the same purchased limits billing events update.
Consumed counters are never modified by these commands.`,
	Example: `  scangate quota show user-123
  scangate quota grant user-123 --kind nmap --credits 10
  scangate quota grant user-123 --credits 5
  scangate quota set-plan user-123 --tier pro`,
}

var quotaShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(commandContext(cmd), func(ctx context.Context, cfg *config.Config, database *db.DB) error {
			snap, err := newLedger(cfg, database).Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			renderSnapshot(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var quotaGrantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Add credits to a user's limits",
	Long:  "Add credits to one scanner kind, or to every kind when --kind is omitted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credits, err := grantUnits(quotaKind, quotaCredits)
		if err != nil {
			return err
		}
		return withDatabase(commandContext(cmd), func(ctx context.Context, cfg *config.Config, database *db.DB) error {
			l := newLedger(cfg, database)
			if err := l.AddLimits(ctx, args[0], credits); err != nil {
				return err
			}
			snap, err := l.Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			renderSnapshot(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var quotaSetPlanCmd = &cobra.Command{
	Use:   "set-plan <user-id>",
	Short: "Replace a user's limits with a plan allowance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, err := scanner.ParseTier(quotaTier)
		if err != nil {
			return err
		}
		return withDatabase(commandContext(cmd), func(ctx context.Context, cfg *config.Config, database *db.DB) error {
			l := newLedger(cfg, database)
			if err := l.SetLimits(ctx, args[0], scanner.PlanLimits(tier)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Limits of %s set to the %s plan\n", args[0], tier)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.AddCommand(quotaShowCmd, quotaGrantCmd, quotaSetPlanCmd)

	quotaGrantCmd.Flags().StringVar(&quotaKind, "kind", "", "scanner kind (nmap, openvas, zap); all kinds when empty")
	quotaGrantCmd.Flags().IntVar(&quotaCredits, "credits", 0, "credits to add")
	_ = quotaGrantCmd.MarkFlagRequired("credits")

	quotaSetPlanCmd.Flags().StringVar(&quotaTier, "tier", "", "plan tier (free, essential, pro, scale)")
	_ = quotaSetPlanCmd.MarkFlagRequired("tier")
}

func newLedger(cfg *config.Config, database *db.DB) *ledger.Ledger {
	return ledger.New(database,
		ledger.WithRetry(cfg.Ledger.MaxRetries, cfg.Ledger.RetryBase),
		ledger.WithLogger(logging.Default().Logger))
}

// grantUnits builds the credit map for a grant.
func grantUnits(kind string, credits int) (scanner.Units, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("credits must be positive, got %d", credits)
	}
	if kind == "" {
		units := scanner.Units{}
		for _, k := range scanner.Kinds() {
			units[k] = credits
		}
		return units, nil
	}
	k, err := scanner.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return scanner.Units{k: credits}, nil
}

func renderSnapshot(w io.Writer, snap *ledger.Snapshot) {
	fmt.Fprintf(w, "Quota for %s\n", snap.UserID)

	table := tablewriter.NewWriter(w)
	table.Header("Scanner", "Used", "Limit", "Remaining")
	for _, kind := range scanner.Kinds() {
		row := snap.Get(kind)
		_ = table.Append([]string{
			string(kind),
			strconv.Itoa(row.Used),
			strconv.Itoa(row.Limit),
			strconv.Itoa(row.Remaining()),
		})
	}
	_ = table.Render()
}
