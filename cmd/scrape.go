package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tiered-scraper/internal/app"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/escalation"
)

type scrapeFlags struct {
	tier         string
	ignoreRobots bool
	proxy        string
	full         bool
}

func newScrapeCmd(root *rootOptions) *cobra.Command {
	flags := &scrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Scrape one URL through the tier ladder and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.jobOptions()
			if err != nil {
				return err
			}
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctrl, release, err := app.NewScraper(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize scraper: %w", err)
			}
			defer func() { _ = release() }()

			report, runErr := ctrl.Execute(cmd.Context(), args[0], opts)
			if err := writeReport(cmd.OutOrStdout(), report, flags.full); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("scrape %s: %w", args[0], runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.tier, "tier", "", "force a tier: static, headless or stealth")
	cmd.Flags().BoolVar(&flags.ignoreRobots, "ignore-robots", false, "skip the robots.txt check")
	cmd.Flags().StringVar(&flags.proxy, "proxy", "", "proxy URL to use instead of the pool")
	cmd.Flags().BoolVar(&flags.full, "full", false, "print every attempt, not just the result")
	return cmd
}

func (f *scrapeFlags) jobOptions() (crawler.JobOptions, error) {
	opts := crawler.JobOptions{
		IgnoreRobots: f.ignoreRobots,
		Proxy:        f.proxy,
	}
	if f.tier != "" {
		tier, err := crawler.ParseTier(f.tier)
		if err != nil {
			return opts, err
		}
		opts.ForceTier = &tier
	}
	return opts, nil
}

func writeReport(w io.Writer, report escalation.Report, full bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	var payload any = report.Result
	if full {
		payload = report
	}
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
