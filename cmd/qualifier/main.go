// Command qualifier scores sales leads: it enriches each lead from its
// website, detects positive and negative company signals, and validates them
// into a confidence score.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/pipeline/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Getenv).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", redact.Secrets(err.Error()))
		stop()
		os.Exit(exitCode(err))
	}
}
