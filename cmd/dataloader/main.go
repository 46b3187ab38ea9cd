package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/dataloader"
	"github.com/torosent/dataloader/internal/config"
	"github.com/torosent/dataloader/internal/output"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand(stdout)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	cmd := config.NewLoader().Command(func(cmd *cobra.Command, cfg *config.Config) error {
		return execute(cmd.Context(), cfg, cmd.OutOrStdout())
	})
	cmd.SetOut(stdout)
	return cmd
}

func execute(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	if len(cfg.Targets) == 0 {
		return errors.New("no target URLs given")
	}

	rt, err := dataloader.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := rt.Close(shutdownCtx); err != nil {
			rt.Logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	return fetch(ctx, rt, cfg, stdout)
}

// fetch performs every target concurrently and prints the outcomes.
func fetch(ctx context.Context, rt *dataloader.Runtime, cfg *config.Config, stdout io.Writer) error {
	d := newPrintingDelegate(stdout, !cfg.JSONOutput, len(cfg.Targets))
	l := rt.NewLoader(d)

	// Build every request first so a bad target leaves nothing in flight.
	requests := make([]*dataloader.Request, 0, len(cfg.Targets))
	for _, target := range cfg.Targets {
		req, err := l.NewRequest(target)
		if err != nil {
			return err
		}
		req.SourceIdentifier = "cli"
		requests = append(requests, req)
	}

	start := time.Now()
	for _, req := range requests {
		l.PerformRequest(req)
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		l.CancelAllLoads()
		<-d.done
	}

	stats := rt.Collector.Stats(time.Since(start))
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, stats); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, stats)
	}

	if failed := stats.Failures + stats.Cancelled; failed > 0 {
		return fmt.Errorf("%d of %d requests did not succeed", failed, stats.Total)
	}
	return nil
}

// printingDelegate prints each terminal outcome and closes done after the last one.
type printingDelegate struct {
	mu        sync.Mutex
	out       io.Writer
	verbose   bool
	remaining int
	done      chan struct{}
}

func newPrintingDelegate(out io.Writer, verbose bool, expected int) *printingDelegate {
	return &printingDelegate{out: out, verbose: verbose, remaining: expected, done: make(chan struct{})}
}

func (d *printingDelegate) SuccessfulResponse(_ *dataloader.Loader, resp *dataloader.Response) {
	d.finish(resp)
}

func (d *printingDelegate) FailedResponse(_ *dataloader.Loader, resp *dataloader.Response) {
	d.finish(resp)
}

func (d *printingDelegate) CancelledRequest(_ *dataloader.Loader, req *dataloader.Request) {
	d.finish(&dataloader.Response{Request: req, Error: dataloader.ErrCancelled})
}

func (d *printingDelegate) finish(resp *dataloader.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.verbose {
		output.PrintResponse(d.out, resp)
	}
	d.remaining--
	if d.remaining == 0 {
		close(d.done)
	}
}
