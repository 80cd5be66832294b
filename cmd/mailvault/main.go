// Command mailvault backs up a mailbox from a remote IMAP server into a
// local archive, with resumable incremental sync runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nhle/mailvault/internal/checkpoint"
	"github.com/nhle/mailvault/internal/credential"
	"github.com/nhle/mailvault/internal/fetch"
	"github.com/nhle/mailvault/internal/logger"
	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/sink"
	imapsource "github.com/nhle/mailvault/internal/source/imap"
	"github.com/nhle/mailvault/internal/store"
	syncer "github.com/nhle/mailvault/internal/sync"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mailvault:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "sync"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "sync":
		return runSync(args)
	case "dlq":
		return runDLQ(args)
	case "requeue":
		return runRequeue(args)
	case "cleanup":
		return runCleanup(args)
	case "set-credential":
		return runSetCredential(args)
	default:
		return fmt.Errorf("unknown command %q (expected sync, dlq, requeue, cleanup, or set-credential)", cmd)
	}
}

// runSync executes one backup run to a terminal state.
func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", model.DefaultConfigPath(), "path to the config file")
	query := fs.String("query", "", "search expression selecting the messages to back up")
	resume := fs.Bool("resume", false, "resume the latest interrupted run for this query")
	width := fs.Int("width", 0, "concurrent batches in flight (0 uses the configured default)")
	output := fs.String("output", "", "archive directory (overrides the configured default)")
	fs.Parse(args)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *output != "" {
		cfg.OutputDir = *output
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	cps, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}

	archive, err := sink.NewArchive(cfg.OutputDir, db, log)
	if err != nil {
		return err
	}

	opener := imapsource.NewOpener(cfg.Source, credential.KeyringProvider{}, log)

	coord := syncer.NewCoordinator(opener, cps, db, archive, syncer.Config{
		PageSize:   cfg.Fetch.PageSize,
		BatchSize:  cfg.Fetch.MaxBatchSize,
		Width:      cfg.Fetch.Width,
		Format:     "full",
		DrainGrace: time.Duration(cfg.Fetch.DrainGraceSec) * time.Second,
		StaleAfter: cfg.Checkpoint.StaleAfter(),
		Rate:       cfg.Rate,
		Breaker:    cfg.Breaker,
		Retry: fetch.RetryPolicy{
			MaxAttempts: cfg.Fetch.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Fetch.RetryBaseMs) * time.Millisecond,
			MaxDelay:    time.Minute,
			Multiplier:  2.0,
		},
		Fallback: fetch.FallbackSplit,
	}, log)

	// Ctrl-C is the cooperative cancellation signal: the run drains and is
	// marked interrupted, ready for a later resume.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := coord.Run(ctx, *query, syncer.Options{
		Resume:         *resume,
		Width:          *width,
		OutputLocation: cfg.OutputDir,
	})
	if report != nil {
		fmt.Println(report.Summary())
	}
	if err != nil {
		return err
	}
	return nil
}

// runDLQ lists dead letter entries for operator inspection.
func runDLQ(args []string) error {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	configPath := fs.String("config", model.DefaultConfigPath(), "path to the config file")
	query := fs.String("query", "", "restrict to one sync query")
	reason := fs.String("reason", "", "restrict to one failure reason")
	limit := fs.Int("limit", 50, "maximum entries to show")
	fs.Parse(args)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	filter := store.DeadLetterFilter{Limit: *limit}
	if *query != "" {
		filter.Query = query
	}
	if *reason != "" {
		filter.Reason = reason
	}

	entries, err := db.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("dead letter queue is empty")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s\t%s\tattempts=%d\tlast_seen=%s\t%s\n",
			e.RecordID, e.FailureReason, e.AttemptCount,
			e.LastSeen.Format(time.RFC3339), e.Query)
	}
	return nil
}

// runRequeue removes dead letter entries so a future run retries them.
func runRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	configPath := fs.String("config", model.DefaultConfigPath(), "path to the config file")
	query := fs.String("query", "", "sync query the entries belong to")
	ids := fs.String("ids", "", "comma-separated record ids to requeue")
	fs.Parse(args)

	if *ids == "" {
		return fmt.Errorf("requeue requires -ids")
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	requeued, err := db.Requeue(context.Background(), *query, strings.Split(*ids, ","))
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d records; the next sync run will fetch them again\n", len(requeued))
	return nil
}

// runCleanup removes old completed checkpoints.
func runCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", model.DefaultConfigPath(), "path to the config file")
	fs.Parse(args)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	cps, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}

	removed, err := cps.CleanupStale(cfg.Checkpoint.Retention())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d completed checkpoints\n", removed)
	return nil
}

// runSetCredential stores the mail account password in the system keyring.
func runSetCredential(args []string) error {
	fs := flag.NewFlagSet("set-credential", flag.ExitOnError)
	key := fs.String("key", "", "credential key referenced by the config")
	value := fs.String("value", "", "secret to store")
	fs.Parse(args)

	if *key == "" || *value == "" {
		return fmt.Errorf("set-credential requires -key and -value")
	}
	if err := credential.Set(*key, *value); err != nil {
		return err
	}
	fmt.Printf("stored credential %q\n", *key)
	return nil
}
