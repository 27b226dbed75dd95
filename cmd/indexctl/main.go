package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/receipt-sync/internal/bootstrap"
	"github.com/kirillkom/receipt-sync/internal/config"
	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/usecase"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/queue/nats"
	"github.com/kirillkom/receipt-sync/internal/observability/logging"
)

const usage = `usage: indexctl <command> [flags]

commands:
  list     print index records as JSON lines
  export   write index records to an xlsx workbook
  purge    delete one record so its file is processed again
  retry    clear the needs-attention marker so the pipeline picks a record up again
  resync   insert records for DMS documents missing from the index
  events   print receipt events published on NATS
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "indexctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, command string, args []string, out io.Writer) error {
	switch command {
	case "list":
		return listCmd(ctx, cfg, args, out)
	case "export":
		return exportCmd(ctx, cfg, args, out)
	case "purge":
		return purgeCmd(ctx, cfg, args, out)
	case "retry":
		return retryCmd(ctx, cfg, args, out)
	case "resync":
		return resyncCmd(ctx, cfg, out)
	case "events":
		return eventsCmd(ctx, cfg, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func listCmd(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "only records with this status (seen, uploaded, tagged, failed)")
	limit := fs.Int("limit", 0, "maximum number of records, 0 for the default of 100")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := bootstrap.OpenIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := usecase.NewRecordQueryUseCase(store).ListRecords(ctx, domain.RecordFilter{
		Status: domain.RecordStatus(*status),
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func exportCmd(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	path := fs.String("out", "receipts.xlsx", "workbook to write")
	status := fs.String("status", "", "only records with this status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := bootstrap.OpenIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Create(*path)
	if err != nil {
		return err
	}
	n, err := xlsx.NewExporter(store).Export(ctx, domain.RecordFilter{Status: domain.RecordStatus(*status), Limit: xlsx.MaxRows}, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(*path)
		return err
	}
	_, err = fmt.Fprintf(out, "exported %d records to %s\n", n, *path)
	return err
}

func purgeCmd(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	hash := fs.String("hash", "", "content hash of the record to delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hash == "" {
		return errors.New("-hash is required")
	}

	store, err := bootstrap.OpenIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Purge(ctx, *hash); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "purged %s\n", *hash)
	return err
}

func retryCmd(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	hash := fs.String("hash", "", "content hash of the parked record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hash == "" {
		return errors.New("-hash is required")
	}

	store, err := bootstrap.OpenIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(ctx, *hash)
	if err != nil {
		return err
	}
	if !rec.NeedsAttention() {
		_, err = fmt.Fprintf(out, "%s does not need attention\n", *hash)
		return err
	}
	if err := store.ClearAttention(ctx, *hash); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "cleared %s, the next poll retries it\n", *hash)
	return err
}

func resyncCmd(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger := logging.New(os.Stderr, "indexctl", cfg.LogLevel, "text")
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	inserted, err := app.Pipeline.Resync(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "inserted %d remote records\n", inserted)
	return err
}

func eventsCmd(ctx context.Context, cfg config.Config, out io.Writer) error {
	if cfg.NATSURL == "" {
		return errors.New("NATS_URL is not set")
	}
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		Logger: logging.New(os.Stderr, "indexctl", cfg.LogLevel, "text"),
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	enc := json.NewEncoder(out)
	return queue.SubscribeReceiptSynced(ctx, func(_ context.Context, event domain.ReceiptSynced) error {
		return enc.Encode(event)
	})
}
