package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferozemohideen/harvester/internal/dispatcher"
	"github.com/ferozemohideen/harvester/internal/scraper"
)

type scrapeFlags struct {
	url          string
	institution  string
	class        string
	engine       string
	selectors    map[string]string
	waitSelector string
	headers      map[string]string
}

// newScrapeCmd creates the 'scrape' subcommand, a one-shot dispatch that
// prints the report as JSON.
func newScrapeCmd() *cobra.Command {
	flags := &scrapeFlags{}

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetches and extracts a single URL",
		Long: `Dispatches one scrape through the full pipeline: rate limiting,
engine selection, retries, and extraction. The report is printed to stdout
as JSON. The exit code is non-zero when the scrape does not succeed.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrapeCommand(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "target URL (required)")
	cmd.Flags().StringVar(&flags.institution, "institution", "", "institution key the rate limit is scoped to (required)")
	cmd.Flags().StringVar(&flags.class, "class", "default", "institution class: default, primary_domestic, international_academic, federal_lab")
	cmd.Flags().StringVar(&flags.engine, "engine", "", "engine hint: static, headless, crawl_framework")
	cmd.Flags().StringToStringVar(&flags.selectors, "selector", nil, "field=css selector pair, repeatable")
	cmd.Flags().StringVar(&flags.waitSelector, "wait-selector", "", "css selector the headless engine waits for")
	cmd.Flags().StringToStringVar(&flags.headers, "header", nil, "name=value request header, repeatable")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("institution")

	return cmd
}

func runScrapeCommand(cmd *cobra.Command, flags *scrapeFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	target := scraper.ScrapeTarget{
		URL:              flags.url,
		InstitutionKey:   flags.institution,
		InstitutionClass: scraper.ParseInstitutionClass(flags.class),
		Selectors:        flags.selectors,
		WaitSelector:     flags.waitSelector,
	}
	if flags.engine != "" {
		target.EngineHint = scraper.ParseEngineType(flags.engine)
	}
	if len(flags.headers) > 0 {
		target.Headers = make(http.Header, len(flags.headers))
		for name, value := range flags.headers {
			target.Headers.Set(name, value)
		}
	}

	report := appInstance.Dispatcher().Execute(cmd.Context(), target)
	if err := printReport(report); err != nil {
		return err
	}

	if report.State != dispatcher.StateSucceeded {
		// Errors already printed in the report; keep stderr quiet.
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return fmt.Errorf("scrape finished in state %q", report.State)
	}
	return nil
}

// scrapeReport is the CLI's wire form of a dispatch report.
type scrapeReport struct {
	DispatchID      string         `json:"dispatch_id"`
	State           string         `json:"state"`
	Attempts        int            `json:"attempts"`
	Engine          string         `json:"engine,omitempty"`
	Success         bool           `json:"success"`
	Fields          map[string]any `json:"fields,omitempty"`
	Errors          []string       `json:"errors,omitempty"`
	Error           string         `json:"error,omitempty"`
	Classification  string         `json:"classification,omitempty"`
	SecurityFlags   []string       `json:"security_flags,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
	RateLimitWaitMs int64          `json:"rate_limit_wait_ms"`
	Bytes           int64          `json:"bytes"`
}

func printReport(report dispatcher.Report) error {
	out := scrapeReport{
		DispatchID:      report.DispatchID,
		State:           string(report.State),
		Attempts:        report.Attempts,
		Engine:          string(report.Engine),
		Success:         report.State == dispatcher.StateSucceeded,
		DurationMs:      report.Duration.Milliseconds(),
		RateLimitWaitMs: report.RateLimitWait.Milliseconds(),
		Bytes:           report.Bytes,
		SecurityFlags:   report.Result.Validation.SecurityFlags,
		Warnings:        report.Result.Validation.Warnings,
	}
	if len(report.Result.Fields) > 0 {
		out.Fields = make(map[string]any, len(report.Result.Fields))
		for name, value := range report.Result.Fields {
			if value.Multi {
				out.Fields[name] = value.Values
			} else {
				out.Fields[name] = value.Value
			}
		}
	}
	for _, extractionErr := range report.Result.Errors {
		out.Errors = append(out.Errors, extractionErr.Error())
	}
	if report.Err != nil {
		out.Error = report.Err.Message
		out.Classification = string(report.Err.Kind)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
