// blockio copies, checksums and verifies block volumes chunk by chunk, and
// serves the jobs API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:                 "blockio",
		Usage:                "Chunked block volume copy, checksum and verification",
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			cmdServe(),
			cmdCopy(),
			cmdChecksum(),
			cmdVerify(),
			cmdJobs(),
			cmdSize(),
			cmdSnapshot(),
			cmdCreatePool(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blockio: %v\n", err)
		os.Exit(1)
	}
}
