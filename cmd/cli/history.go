package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/export"
	"github.com/anstrom/portsim/internal/history"
	"github.com/anstrom/portsim/internal/metrics"
)

var (
	historyFormat string
	historyYes    bool
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent completed scans",
	Long: `Show the most recent completed scans, newest first. Only completed scans
are recorded; stopped scans never appear here.`,
	Example: `  portsim history
  portsim history --format json
  portsim history clear --yes`,
	Args: cobra.NoArgs,
	RunE: runHistoryList,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all scan history",
	Long:  "Delete all recorded scans. Asks for confirmation unless --yes is given.",
	Args:  cobra.NoArgs,
	RunE:  runHistoryClear,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyClearCmd)

	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", formatTable, "output format: table or json")
	historyClearCmd.Flags().BoolVarP(&historyYes, "yes", "y", false, "skip the confirmation prompt")
}

// openHistory opens the configured history store for a one-off command.
func openHistory(ctx context.Context) (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := initLogging(cfg)

	openCtx, cancel := context.WithTimeout(ctx, historyOpenTimeout)
	defer cancel()
	return history.OpenOrMemory(openCtx, cfg.History,
		history.WithLogger(logger.WithComponent("history")),
		history.WithMetrics(metrics.GetGlobalMetrics())), nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	if historyFormat != formatTable && historyFormat != formatJSON {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown output format %q (expected table or json)", historyFormat))
	}

	store, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	log := store.Load(cmd.Context())
	if historyFormat == formatJSON {
		return writeIndentedJSON(cmd.OutOrStdout(), log)
	}
	return export.WriteHistoryTable(cmd.OutOrStdout(), log)
}

func runHistoryClear(cmd *cobra.Command, _ []string) error {
	confirmed := historyYes
	if !confirmed {
		var err error
		confirmed, err = confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Delete all scan history?")
		if err != nil {
			return err
		}
	}
	if !confirmed {
		fmt.Fprintln(cmd.ErrOrStderr(), "History left unchanged")
		return nil
	}

	store, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Clear(cmd.Context(), true); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Scan history cleared")
	return nil
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
