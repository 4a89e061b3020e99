package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/rentledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	bearerToken  string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "rentledger CLI",
	Long: `ledgerctl records events in a rentledger server, inspects subject
chains, and runs the tenant risk insight processor.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.rentledger")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("RENTLEDGER")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.rentledger/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "rentledger server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "caller token sent as a bearer credential")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	return client.New(strings.TrimRight(serverURL, "/"), opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendType    string
	appendSubject string
	appendData    string
	appendEventID string
	appendSystem  string
	appendRetries int
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Record an event for a subject",
	Long: `append records one event. --data takes inline JSON or @path to read
it from a file.

An event id is generated when --event-id is empty, and the same id is reused
when a retryable failure is retried, so a retry can never record the event
twice:

  ledgerctl append --type PaymentRecorded --subject tenant-42 --data @payment.json`,
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendType, "type", "", "Event type (e.g. PaymentRecorded)")
	appendCmd.Flags().StringVar(&appendSubject, "subject", "", "Subject id")
	appendCmd.Flags().StringVar(&appendData, "data", "", "Event data as JSON, or @file")
	appendCmd.Flags().StringVar(&appendEventID, "event-id", "", "Event id (generated when empty)")
	appendCmd.Flags().StringVar(&appendSystem, "system", "ledgerctl", "Originating system recorded as the actor")
	appendCmd.Flags().IntVar(&appendRetries, "retries", 3, "Retries when the server reports its store unavailable")

	_ = appendCmd.MarkFlagRequired("type")
	_ = appendCmd.MarkFlagRequired("subject")
	_ = appendCmd.MarkFlagRequired("data")
}

func runAppend(cmd *cobra.Command, args []string) error {
	data, err := readData(appendData)
	if err != nil {
		return err
	}
	if appendEventID == "" {
		appendEventID = uuid.NewString()
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	req := client.AppendRequest{
		EventID:   appendEventID,
		EventType: appendType,
		SubjectID: appendSubject,
		Data:      data,
		Actor:     client.Actor{System: appendSystem},
	}

	var res *client.AppendResult
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		res, err = c.AppendEvent(cmd.Context(), req)
		if err == nil || !client.IsRetryable(err) || attempt >= appendRetries {
			break
		}
		fmt.Fprintf(os.Stderr, "store unavailable, retrying in %s...\n", backoff)
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(res)
	}
	if res.Replayed {
		fmt.Printf("Event %s was already recorded\n", res.EventID)
	} else {
		fmt.Printf("✓ Event recorded\n\n  ID: %s\n", res.EventID)
	}
	return nil
}

func readData(arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// ── events ───────────────────────────────────────────────────────────────────

var eventsType string

var eventsCmd = &cobra.Command{
	Use:   "events <subject>",
	Short: "List a subject's events in chain order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		evs, err := c.Events(cmd.Context(), args[0], eventsType)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(evs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tTYPE\tEVENT ID\tCHAIN")
		for _, ev := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.EventID, ev.Meta.ChainStatus)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Only list events of this type")
}

// ── chain / seal ─────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain <subject>",
	Short: "Show a subject's hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		view, err := c.Chain(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get chain: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(view)
		}
		fmt.Printf("Subject: %s\nLength:  %d\nRoot:    %s\n\n", view.SubjectID, view.Length, view.Root)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tEVENT ID\tHASH")
		for _, b := range view.Blocks {
			fmt.Fprintf(w, "%d\t%s\t%s\n", b.Index, b.EventID, b.Hash)
		}
		return w.Flush()
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal <subject>",
	Short: "Anchor a subject's chain and confirm its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Seal(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("seal chain: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(res)
		}
		if res.Verify != nil && !res.Verify.OK {
			fmt.Printf("✗ Chain diverges from its anchors; %d event(s) marked failed\n", res.Failed)
			return errChainBroken
		}
		fmt.Printf("✓ Sealed %s: %d new anchor(s), %d event(s) confirmed, root %s\n",
			res.SubjectID, res.Anchored, res.Confirmed, res.Root)
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var errChainBroken = errors.New("chain verification failed")

type verifyRow struct {
	subject string
	result  *client.VerifyResult
	err     error
}

var verifyCmd = &cobra.Command{
	Use:   "verify <subject> [subject] ...",
	Short: "Verify one or more subject chains against their anchors",
	Long: `verify recomputes each subject's chain and compares it with the anchors
recorded when it was last sealed. Subjects are verified concurrently. The
command fails when any chain is broken.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	rows := make([]verifyRow, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(8)
	for i, subject := range args {
		g.Go(func() error {
			res, err := c.Verify(ctx, subject)
			rows[i] = verifyRow{subject: subject, result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	broken := false
	for _, r := range rows {
		if r.err != nil || !r.result.OK {
			broken = true
		}
	}

	if outputFormat == "json" {
		out := make([]any, len(rows))
		for i, r := range rows {
			if r.err != nil {
				out[i] = map[string]string{"subject_id": r.subject, "error": r.err.Error()}
			} else {
				out[i] = r.result
			}
		}
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SUBJECT\tRESULT\tLENGTH\tANCHORED\tBROKEN AT\tERROR")
		for _, r := range rows {
			if r.err != nil {
				fmt.Fprintf(w, "%s\t\t\t\t\t%s\n", r.subject, r.err.Error())
				continue
			}
			result, at := "ok", ""
			if !r.result.OK {
				result = "BROKEN"
				if r.result.BrokenAtIndex != nil {
					at = fmt.Sprint(*r.result.BrokenAtIndex)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t\n",
				r.subject, result, r.result.Length, r.result.AnchoredLength, at)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if broken {
		return errChainBroken
	}
	return nil
}

// ── insights ─────────────────────────────────────────────────────────────────

var insightsLimit int

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Run and inspect tenant risk insights",
}

var insightsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Score every subject with recent payments",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()
		res, err := c.RunInsights(ctx, insightsLimit)
		if err != nil {
			return fmt.Errorf("run insights: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(res)
		}
		fmt.Printf("Scanned %d payment(s) across %d subject(s)\n", res.ScannedEvents, res.ProcessedSubjects)
		fmt.Printf("  written: %d  coalesced: %d  skipped: %d  failed: %d\n",
			res.WrittenInsights, res.CoalescedSubjects, res.SkippedSubjects, len(res.Failures))
		for _, f := range res.Failures {
			fmt.Printf("  ✗ %s: %s\n", f.SubjectID, f.Error)
		}
		if res.Partial {
			fmt.Println("Run was interrupted; results are partial")
		}
		return nil
	},
}

var insightsLatestCmd = &cobra.Command{
	Use:   "latest <subject>",
	Short: "Show a subject's most recent risk insight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		in, err := c.LatestInsight(cmd.Context(), args[0])
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("no insight recorded for %s yet", args[0])
		}
		if err != nil {
			return fmt.Errorf("get insight: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(in)
		}
		fmt.Printf("Subject:    %s\n", in.SubjectID)
		fmt.Printf("Risk:       %s (%.1f)\n", in.RiskLevel, in.RiskScore)
		fmt.Printf("On time:    %d%% of %d payment(s)\n", in.OnTimePercentage, in.TotalPayments)
		if in.AvgDaysLate != nil {
			fmt.Printf("Avg late:   %.1f day(s)\n", *in.AvgDaysLate)
		}
		fmt.Printf("Summary:    %s\n", in.Summary)
		fmt.Printf("Generated:  %s\n", in.GeneratedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	insightsRunCmd.Flags().IntVar(&insightsLimit, "limit", 100, "Maximum number of recent payments to scan")
	insightsCmd.AddCommand(insightsRunCmd)
	insightsCmd.AddCommand(insightsLatestCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
