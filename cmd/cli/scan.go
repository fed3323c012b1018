package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/portsim/internal/config"
	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/export"
	"github.com/anstrom/portsim/internal/ports"
	"github.com/anstrom/portsim/internal/scanning"
)

const (
	formatTable = "table"
	formatJSON  = "json"

	shutdownTimeout = 10 * time.Second
	progressStep    = 10
)

// scanOptions holds the scan command flags.
type scanOptions struct {
	preset    string
	ports     string
	method    string
	timeout   float64
	workers   int
	banner    bool
	status    string
	format    string
	exportDir string
	quiet     bool
}

var scanOpts scanOptions

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run a simulated port scan against a target",
	Long: `Run a simulated TCP port scan against a single target and print the
results. Ports come from a preset or a custom list such as "22,80,8000-8010".
Press Ctrl-C to stop the scan early; partial results are still shown.

Completed scans are added to the scan history.`,
	Example: `  portsim scan example.com
  portsim scan 10.0.0.5 --preset top100 --method threaded
  portsim scan example.com --ports 22,80,443,8000-8100 --banner
  portsim scan example.com --status open --format json
  portsim scan example.com --export ./reports`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addScanFlags(scanCmd.Flags(), &scanOpts)
}

func addScanFlags(fs *pflag.FlagSet, o *scanOptions) {
	fs.StringVarP(&o.preset, "preset", "p", "", "port preset: "+presetNames()+" (default from config)")
	fs.StringVar(&o.ports, "ports", "", "custom ports, e.g. '22,80,8000-8010' (selects the custom preset)")
	fs.StringVarP(&o.method, "method", "m", "", "scan method: threaded or async (default from config)")
	fs.Float64Var(&o.timeout, "timeout", 0, "per-port timeout in seconds (recorded only)")
	fs.IntVarP(&o.workers, "workers", "w", 0, "worker count (default depends on method)")
	fs.BoolVar(&o.banner, "banner", false, "grab banners from open ports")
	fs.StringVar(&o.status, "status", "all", "results to show: all, open or closed")
	fs.StringVarP(&o.format, "format", "f", formatTable, "output format: table or json")
	fs.StringVar(&o.exportDir, "export", "", "also write a JSON export into this directory")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "suppress progress output")
}

func presetNames() string {
	presets := ports.Presets()
	names := make([]string, 0, len(presets))
	for _, p := range presets {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

func runScan(cmd *cobra.Command, args []string) error {
	filter, err := scanning.ParseStatusFilter(scanOpts.status)
	if err != nil {
		return err
	}
	if scanOpts.format != formatTable && scanOpts.format != formatJSON {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown output format %q (expected table or json)", scanOpts.format))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	req, err := cfg.Scanning.BuildRequest(config.ScanSpec{
		Target:     args[0],
		Preset:     scanOpts.preset,
		Ports:      scanOpts.ports,
		Method:     scanOpts.method,
		Timeout:    scanOpts.timeout,
		Workers:    scanOpts.workers,
		BannerGrab: scanOpts.banner || cfg.Scanning.BannerGrab,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newServices(ctx, cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Close(closeCtx)
	}()

	stderr := cmd.ErrOrStderr()
	var observer scanning.Observer
	if !scanOpts.quiet {
		fmt.Fprintf(stderr, "Scanning %s: %s via %s (%d workers, %s per port)\n",
			req.Target, ports.Describe(req.Ports), req.Method, req.MaxWorkers,
			scanning.PortDelay(req.Method, req.MaxWorkers))
		observer = &progressPrinter{w: stderr}
	}

	session, err := svc.engine.Run(ctx, req, observer)
	if err != nil {
		return err
	}

	if err := writeScanOutput(cmd.OutOrStdout(), session, filter, scanOpts.format); err != nil {
		return err
	}

	if scanOpts.exportDir != "" {
		doc, err := export.Serialize(session)
		if err != nil {
			return err
		}
		path, err := export.Save(scanOpts.exportDir, doc, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "Results exported to %s\n", path)
	}

	if session.State() == scanning.StateStopped && !scanOpts.quiet {
		fmt.Fprintf(stderr, "Scan stopped after %d of %d ports; partial results are not saved to history\n",
			session.Scanned(), session.Total())
	}
	return nil
}

// writeScanOutput prints the session as a table or as the JSON export
// document. JSON always contains every result.
func writeScanOutput(w io.Writer, session *scanning.Session, filter scanning.StatusFilter, format string) error {
	if format == formatJSON {
		doc, err := export.Serialize(session)
		if err != nil {
			return err
		}
		return export.Write(w, doc)
	}
	return export.WriteTable(w, session, filter)
}

// progressPrinter reports open ports as they are found and overall
// progress every tenth of the scan.
type progressPrinter struct {
	w        io.Writer
	lastStep int
}

func (p *progressPrinter) OnProgress(e scanning.ProgressEvent) {
	if e.Status == scanning.StatusOpen {
		fmt.Fprintf(p.w, "  %5d/tcp  open  %s\n", e.Port, e.Service)
	}

	step := e.Percentage / progressStep
	if step > p.lastStep || e.Scanned == e.Total {
		p.lastStep = step
		fmt.Fprintf(p.w, "[%s] %d/%d ports (%d%%), %d open, %d ports/s\n",
			scanning.FormatElapsed(e.Elapsed), e.Scanned, e.Total, e.Percentage, e.Open, e.Throughput)
	}
}

func (p *progressPrinter) OnFinish(s scanning.Summary) {
	fmt.Fprintf(p.w, "Scan %s in %s: %d open of %d scanned\n",
		s.State, scanning.FormatElapsed(s.Duration), s.Open, s.Scanned)
}
