package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palantir/palantir-compute-module-lead-qualification/internal/app"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/config"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/logging"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/store"
	"github.com/palantir/palantir-compute-module-lead-qualification/internal/version"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	localio "github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/schema"
)

// usageError marks bad invocations, which exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

func newRootCmd(getenv environ) *cobra.Command {
	s, envErr := loadSettings(getenv)

	root := &cobra.Command{
		Use:   "qualifier",
		Short: "Qualify sales leads from website metadata and public company signals",
		Long: `qualifier enriches each lead from the root page of its website, searches
for positive and negative signals about the company, and validates those
signals into an ai_confidence score between 0.3 and 1.0.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if envErr != nil {
				return usageError{fmt.Errorf("config error: %w", envErr)}
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&s.logLevel, "log-level", s.logLevel, "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	pf.StringVar(&s.logFormat, "log-format", s.logFormat, "Log format: json or console (env: LOG_FORMAT)")
	pf.StringVar(&s.workflowPath, "workflow", s.workflowPath, "Workflow YAML overriding the built-in one (env: WORKFLOW_CONFIG)")
	pf.StringVar(&s.storePath, "store", s.storePath, "SQLite run history path; empty disables history (env: STORE_PATH)")

	root.AddCommand(
		newLocalCmd(&s),
		newComputeCmd(&s, getenv),
		newHistoryCmd(&s),
		newVersionCmd(),
	)
	return root
}

func addQualifyFlags(cmd *cobra.Command, s *settings) {
	f := cmd.Flags()
	f.IntVar(&s.pipeline.Workers, "workers", s.pipeline.Workers, "Leads qualified concurrently (env: WORKERS)")
	f.IntVar(&s.pipeline.MaxRetries, "max-retries", s.pipeline.MaxRetries, "Retries per lead for transient reasoning failures (env: MAX_RETRIES)")
	f.DurationVar(&s.pipeline.RequestTimeout, "request-timeout", s.pipeline.RequestTimeout, "Per-lead timeout, 0 disables (env: REQUEST_TIMEOUT)")
	f.DurationVar(&s.callTimeout, "call-timeout", s.callTimeout, "Per collaborator call timeout, 0 disables (env: CALL_TIMEOUT)")
	f.Float64Var(&s.pipeline.RateLimitRPS, "rate-limit-rps", s.pipeline.RateLimitRPS, "Global lead start rate, 0 disables (env: RATE_LIMIT_RPS)")
	f.Float64Var(&s.searchRPS, "search-rps", s.searchRPS, "Search query rate, 0 disables (env: SEARCH_RPS)")
	f.StringVar(&s.searchBackend, "search-backend", s.searchBackend, "Search backend: serper or news (env: SEARCH_BACKEND)")
	f.StringVar(&s.serperBaseURL, "serper-base-url", s.serperBaseURL, "Serper API base URL override (env: SERPER_BASE_URL)")
	f.StringVar(&s.newsBaseURL, "news-base-url", s.newsBaseURL, "News RSS search URL override (env: NEWS_BASE_URL)")
	f.StringVar(&s.scraper, "scraper", s.scraper, "Website scraper: http or browser (env: SCRAPER)")
	f.StringVar(&s.browserControlURL, "browser-control-url", s.browserControlURL, "DevTools URL of a running Chrome for --scraper=browser (env: BROWSER_CONTROL_URL)")
	f.StringVar(&s.geminiModel, "gemini-model", s.geminiModel, "Gemini model; reasoning is enabled by GEMINI_API_KEY (env: GEMINI_MODEL)")
	f.StringVar(&s.geminiBaseURL, "gemini-base-url", s.geminiBaseURL, "Gemini API base URL override (env: GEMINI_BASE_URL)")
	f.StringVar(&s.contactsPath, "contacts", s.contactsPath, "Network contacts CSV with an email column, matched against lead domains (env: CONTACTS_PATH)")
}

// session holds what every qualifying command needs.
type session struct {
	log    *zap.Logger
	runner *app.Runner
	close  func()
}

func openSession(ctx context.Context, s *settings, withStore bool) (*session, error) {
	log, err := logging.New(s.logLevel, s.logFormat)
	if err != nil {
		return nil, usageError{err}
	}
	wf, err := config.Load(s.workflowPath)
	if err != nil {
		return nil, usageError{err}
	}
	var contacts []lead.Contact
	if s.contactsPath != "" {
		contacts, err = localio.ContactFile{Path: s.contactsPath}.Load(ctx)
		if err != nil {
			return nil, usageError{fmt.Errorf("load contacts %s: %w", s.contactsPath, err)}
		}
		log.Info("contacts loaded", zap.String("path", s.contactsPath), zap.Int("contacts", len(contacts)))
	}
	collab, closeCollab, err := buildCollaborators(ctx, *s, log)
	if err != nil {
		return nil, usageError{err}
	}

	sess := &session{
		log: log,
		runner: &app.Runner{
			Workflow:      wf,
			Collaborators: collab,
			Options:       s.pipeline,
			CallTimeout:   s.callTimeout,
			Contacts:      contacts,
			Logger:        log,
		},
	}
	if withStore && s.storePath != "" {
		st, err := store.Open(s.storePath)
		if err != nil {
			closeCollab()
			return nil, err
		}
		sess.runner.Store = st
	}
	sess.close = func() {
		if sess.runner.Store != nil {
			_ = sess.runner.Store.Close()
		}
		closeCollab()
		_ = log.Sync()
	}
	return sess, nil
}

func newLocalCmd(s *settings) *cobra.Command {
	var (
		job          app.LocalJob
		inputFormat  string
		outputFormat string
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Qualify a local CSV or JSONL file of leads",
		Example: `  qualifier local --input leads.csv --output qualified.csv
  SERPER_API_KEY=... GEMINI_API_KEY=... GEMINI_MODEL=gemini-2.5-flash qualifier local --input leads.jsonl --output out.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if job.InputPath == "" || job.OutputPath == "" {
				return usageError{errors.New("local requires --input and --output")}
			}
			job.InputFormat = schema.NormalizeFormat(inputFormat)
			job.OutputFormat = schema.NormalizeFormat(outputFormat)

			sess, err := openSession(cmd.Context(), s, true)
			if err != nil {
				return err
			}
			defer sess.close()

			sum, err := sess.runner.RunLocal(cmd.Context(), job)
			if err != nil {
				if sum.RunID == "" {
					return fmt.Errorf("local run failed: %w", err)
				}
				return fmt.Errorf("local run %s failed: %w", sum.RunID, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d leads, %d ok, %d error, %d cached in %s -> %s\n",
				sum.RunID, sum.Leads, sum.OK, sum.Failed, sum.Cached, sum.Duration.Round(time.Millisecond), job.OutputPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&job.InputPath, "input", "", "Input leads file with a 'company' column (.csv or .jsonl)")
	f.StringVar(&job.OutputPath, "output", "", "Output file (.csv or .jsonl)")
	f.StringVar(&inputFormat, "input-format", "csv", "Input format when the extension does not say: csv or jsonl")
	f.StringVar(&outputFormat, "output-format", "csv", "Output format when the extension does not say: csv or jsonl")
	f.BoolVar(&job.Incremental, "incremental", false, "Reuse the latest stored qualification of the same company and website")
	addQualifyFlags(cmd, s)
	return cmd
}

func newComputeCmd(s *settings, getenv environ) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Serve compute-module jobs: one lead per job, one qualification per result",
		Long: `compute polls GET_JOB_URI for jobs whose query is a lead object and posts
the qualification JSON to POST_RESULT_URI/<jobId>.

Environment:
  GET_JOB_URI        Job polling endpoint
  POST_RESULT_URI    Result endpoint prefix
  MODULE_AUTH_TOKEN  Module token, or a file holding it
  DEFAULT_CA_PATH    PEM bundle trusted for the endpoints (optional)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadComputeModuleClientConfig(getenv)
			if err != nil {
				return usageError{err}
			}
			hc, err := newComputeModuleHTTPClient(cfg.DefaultCAPath)
			if err != nil {
				return usageError{err}
			}
			sess, err := openSession(cmd.Context(), s, false)
			if err != nil {
				return err
			}
			defer sess.close()

			q := sess.runner.JobQualifier(sess.log)
			handle := func(ctx context.Context, job computeModuleJobV1) ([]byte, error) {
				if s.pipeline.RequestTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, s.pipeline.RequestTimeout)
					defer cancel()
				}
				return app.HandleJob(ctx, q, job.JobID, job.Query)
			}
			err = runComputeModuleClientLoop(cmd.Context(), hc, cfg, handle, sess.log)
			if errors.Is(err, context.Canceled) {
				sess.log.Info("compute module client stopped")
				return nil
			}
			return err
		},
	}
	addQualifyFlags(cmd, s)
	return cmd
}

func newHistoryCmd(s *settings) *cobra.Command {
	var (
		limit   int
		asJSON  bool
		summary bool
		search  string
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or the results of one run",
		Example: `  qualifier history
  qualifier history 3f2a --summary
  qualifier history --search acme`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.storePath == "" {
				return usageError{errors.New("history needs a store: set STORE_PATH or --store")}
			}
			if search != "" && (len(args) > 0 || summary) {
				return usageError{errors.New("--search does not take a run id or --summary")}
			}
			st, err := store.Open(s.storePath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if search != "" {
				results, err := st.SearchResults(ctx, search, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, results)
				}
				return printResultTable(w, results)
			}

			var run store.Run
			switch {
			case len(args) > 0:
				run, err = st.GetRun(ctx, args[0])
			case summary:
				run, err = latestRun(ctx, st)
			default:
				runs, err := st.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, runs)
				}
				return printRuns(w, runs)
			}
			if err != nil {
				return err
			}

			if summary {
				tiers, err := st.TierSummary(ctx, run.ID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, map[string]any{"run": run, "lead_status": tiers})
				}
				return printSummary(w, run, tiers)
			}
			results, err := st.Results(ctx, run.ID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(w, map[string]any{"run": run, "results": results})
			}
			return printResults(w, run, results)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs or search results to list, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&summary, "summary", false, "Count a run's leads per status tier; defaults to the latest run")
	cmd.Flags().StringVar(&search, "search", "", "List results across runs whose company or lead id contains this text")
	return cmd
}

func latestRun(ctx context.Context, st *store.Store) (store.Run, error) {
	runs, err := st.ListRuns(ctx, 1)
	if err != nil {
		return store.Run{}, err
	}
	if len(runs) == 0 {
		return store.Run{}, store.ErrNotFound
	}
	return runs[0], nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Runs even when the environment is misconfigured.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "qualifier %s\n", version.String())
		},
	}
}

func printRuns(w io.Writer, runs []store.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tLEADS\tOK\tERROR\tINPUT")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Status, r.Leads, r.OKRows, r.ErrorRows, r.Input)
	}
	return tw.Flush()
}

func printResults(w io.Writer, run store.Run, results []store.Result) error {
	_, _ = fmt.Fprintf(w, "run %s (%s, %s): %d ok, %d error\n", run.ID, run.Status, run.Input, run.OKRows, run.ErrorRows)
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	return printResultTable(w, results)
}

func printResultTable(w io.Writer, results []store.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No results.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LEAD\tCOMPANY\tSTATUS\tCONFIDENCE\tPOSITIVE\tNEGATIVE\tSCORE\tTIER\tERROR")
	for _, r := range results {
		conf, score, tier, pos, neg := "-", "-", "-", 0, 0
		if q := r.Qualification; q != nil {
			conf = fmt.Sprintf("%.3f", q.AIConfidence)
			pos, neg = len(q.Positive), len(q.Negative)
			if a := q.Assessment; a != nil {
				score, tier = fmt.Sprint(a.Score), string(a.Tier)
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n", r.LeadID, r.Company, r.Status, conf, pos, neg, score, tier, r.Error)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, run store.Run, tiers map[lead.Tier]int) error {
	_, _ = fmt.Fprintf(w, "run %s (%s, %s): %d ok, %d error\n", run.ID, run.Status, run.Input, run.OKRows, run.ErrorRows)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIER\tLEADS")
	for _, t := range lead.Tiers() {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", t, tiers[t])
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
