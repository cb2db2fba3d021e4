package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittovfs/internal/cli"
	"github.com/marmos91/dittovfs/pkg/files"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps well-known failures to distinct exit statuses.
func exitCode(err error) int {
	switch files.CodeOf(err) {
	case files.CodeNotFound:
		return 2
	case files.CodeAlreadyExists, files.CodeConflict:
		return 3
	case files.CodeUnsupportedScheme, files.CodeCapabilityNotSupported:
		return 4
	case files.CodeCancelled:
		return 130
	default:
		return 1
	}
}
