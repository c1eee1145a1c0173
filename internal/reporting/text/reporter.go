package text

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
)

const ReporterTypeText = "text"

type Config struct {
	NoColor bool `yaml:"no_color"`
}

// Reporter renders one human-readable block per full-sync pass. Converged
// resources are summarized, anything else gets its own row.
type Reporter struct {
	config Config
	writer io.Writer
	logger ports.Logger
}

func NewReporter(cfg Config, logger ports.Logger) (*Reporter, error) {
	if cfg.NoColor || !isTerminal(os.Stdout) {
		color.NoColor = true
	}

	return &Reporter{
		config: cfg,
		writer: os.Stdout,
		logger: logger,
	}, nil
}

func isTerminal(f *os.File) bool {
	stat, _ := f.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func (r *Reporter) Report(ctx context.Context, report domain.PassReport) error {
	tw := tabwriter.NewWriter(r.writer, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	magenta := color.New(color.FgMagenta).SprintFunc()

	fmt.Fprintf(tw, "Sync Pass %s (%s)\n", report.PassID, report.Trigger)
	fmt.Fprintf(tw, "Started %s, took %s\n", report.StartedAt.Format("2006-01-02 15:04:05"), report.Duration.Round(1e6))
	fmt.Fprintln(tw, "Status\tResource\tGrants\tRevokes\tDetails")
	fmt.Fprintln(tw, "------\t--------\t------\t-------\t-------")

	var ok, partial, rejected, retryable int
	for _, res := range report.Results {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		statusStr := ""
		details := ""
		switch res.Status {
		case domain.StatusApplied:
			ok++
			statusStr = green("[OK]")
		case domain.StatusAppliedPartial:
			partial++
			statusStr = yellow("[PARTIAL]")
			details = fmt.Sprintf("some steps failed: %v", res.Error)
		case domain.StatusRejected:
			rejected++
			statusStr = red("[REJECTED]")
			details = fmt.Sprintf("needs external correction: %v", res.Error)
		case domain.StatusRetryable:
			retryable++
			statusStr = magenta("[RETRY]")
			details = fmt.Sprintf("deferred to next pass: %v", res.Error)
		default:
			statusStr = fmt.Sprintf("[%s]", res.Status)
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", statusStr, res.ResourceID, res.Grants, res.Revokes, details)
	}

	fmt.Fprintln(tw, "\nSummary:")
	fmt.Fprintln(tw, "-------")
	fmt.Fprintf(tw, "Resources Synced:\t%d\n", len(report.Results))
	fmt.Fprintf(tw, "Converged:\t%s\n", green(ok))
	fmt.Fprintf(tw, "Partial:\t%s\n", yellow(partial))
	fmt.Fprintf(tw, "Rejected:\t%s\n", red(rejected))
	fmt.Fprintf(tw, "Deferred:\t%s\n", magenta(retryable))

	return nil
}
