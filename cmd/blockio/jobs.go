package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/seantiz/blockio/internal/model"
	"github.com/seantiz/blockio/internal/store"
)

// Exit code of a verification that found differing chunks.
const exitMismatch = 2

var quietFlag = &cli.BoolFlag{
	Name:    "quiet",
	Aliases: []string{"q"},
	Usage:   "do not draw a progress bar",
}

func cmdCopy() *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Usage:     "Copy a volume into another",
		ArgsUsage: "SRC DST",
		Description: `SRC is scheme://pool/image[@snapshot], DST is scheme://pool/image. The
digests of the copied chunks are recorded under the new job, so a later copy
can resume from it or a verify can compare against it.

Examples:
$ blockio copy memory://rbd/vm file://backup/vm
$ blockio copy --force --resume 01JB3M2ZV5 file://rbd/vm sqlite://rbd/vm`,
		Action: copyVolume,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "write into an existing target image",
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "skip chunks whose digests match those recorded by `JOB`",
			},
			quietFlag,
		},
	}
}

func copyVolume(c *cli.Context) error {
	if err := checkArgs(c, 2); err != nil {
		return err
	}
	return runJob(c, &model.Job{
		Kind:      model.KindCopy,
		Source:    c.Args().Get(0),
		Target:    c.Args().Get(1),
		Force:     c.Bool("force"),
		Reference: c.String("resume"),
	})
}

func cmdChecksum() *cli.Command {
	return &cli.Command{
		Name:      "checksum",
		Usage:     "Record the chunk digests of a volume",
		ArgsUsage: "REF",
		Action:    checksumVolume,
		Flags:     []cli.Flag{quietFlag},
	}
}

func checksumVolume(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	return runJob(c, &model.Job{Kind: model.KindChecksum, Source: c.Args().Get(0)})
}

func cmdVerify() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Compare a volume with the digests recorded by an earlier job",
		ArgsUsage: "REF",
		Description: `Exits with status 2 when chunks differ.

Examples:
$ blockio checksum file://rbd/vm
$ blockio verify --job 01JB3M2ZV5 file://rbd/vm`,
		Action: verifyVolume,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "job",
				Usage:    "compare against the digests of `JOB`",
				Required: true,
			},
			quietFlag,
		},
	}
}

func verifyVolume(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	return runJob(c, &model.Job{
		Kind:      model.KindVerify,
		Source:    c.Args().Get(0),
		Reference: c.String("job"),
	})
}

// runJob runs j to completion on a local runner, drawing its progress.
func runJob(c *cli.Context, j *model.Job) error {
	a, err := openApp(c, true, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if j.Reference != "" {
		if _, err := a.store.GetJob(c.Context, j.Reference); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("reference job %s not found", j.Reference)
			}
			return err
		}
	}

	j.ID = model.NewID()
	j.CreatedAt = time.Now().UTC()
	events, unsubscribe := a.runner.Broker().Subscribe(j.ID)
	defer unsubscribe()
	if err := a.runner.Submit(c.Context, j); err != nil {
		return err
	}
	// An interrupt fails the job instead of killing the process mid-write.
	stop := context.AfterFunc(c.Context, func() {
		_ = a.runner.Shutdown(context.Background())
	})
	defer stop()

	progress, bar := newChunkBar(j.Kind+" "+j.Source, c.Bool("quiet"))
	for ev := range events {
		if ev.Progress != nil {
			bar.SetTotal(ev.Progress.ChunksTotal, false)
			bar.SetCurrent(ev.Progress.ChunksDone)
		}
	}
	a.runner.Wait()

	final, err := a.store.GetJob(context.Background(), j.ID)
	if err != nil || final.Status != model.StatusCompleted {
		bar.Abort(false)
	} else {
		bar.SetTotal(final.ChunksTotal, false)
		bar.SetCurrent(final.ChunksDone)
		bar.SetTotal(-1, true)
	}
	progress.Wait()
	if err != nil {
		return fmt.Errorf("load job %s: %w", j.ID, err)
	}

	printJob(c.App.Writer, final)
	switch {
	case final.Status == model.StatusFailed:
		return cli.Exit(fmt.Sprintf("job %s failed: %s", final.ID, final.Error), 1)
	case final.Mismatches > 0:
		return cli.Exit(fmt.Sprintf("%d chunk(s) differ", final.Mismatches), exitMismatch)
	}
	return nil
}

func printJob(w io.Writer, j *model.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "job:\t%s\n", j.ID)
	fmt.Fprintf(tw, "kind:\t%s\n", j.Kind)
	fmt.Fprintf(tw, "status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "source:\t%s\n", j.Source)
	if j.Target != "" {
		fmt.Fprintf(tw, "target:\t%s\n", j.Target)
	}
	if j.Reference != "" {
		fmt.Fprintf(tw, "reference:\t%s\n", j.Reference)
	}
	fmt.Fprintf(tw, "size:\t%s (%d bytes)\n", humanize.IBytes(uint64(j.SizeBytes)), j.SizeBytes)
	fmt.Fprintf(tw, "chunks:\t%d / %d of %s\n", j.ChunksDone, j.ChunksTotal, humanize.IBytes(uint64(j.ChunkSize)))
	if j.Kind == model.KindVerify {
		fmt.Fprintf(tw, "mismatches:\t%d\n", j.Mismatches)
	}
	if j.StartedAt != nil && j.FinishedAt != nil {
		fmt.Fprintf(tw, "took:\t%s\n", j.FinishedAt.Sub(*j.StartedAt).Round(time.Millisecond))
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", j.Error)
	}
	tw.Flush()
}

func cmdJobs() *cli.Command {
	return &cli.Command{
		Name:      "jobs",
		Usage:     "List recorded jobs, or show one",
		ArgsUsage: "[JOB]",
		Action:    listJobs,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "show at most `N` jobs",
			},
		},
	}
}

func listJobs(c *cli.Context) error {
	if c.Args().Len() > 1 {
		return checkArgs(c, 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if id := c.Args().First(); id != "" {
		j, err := db.GetJob(c.Context, id)
		if err != nil {
			return fmt.Errorf("job %s: %w", id, err)
		}
		printJob(c.App.Writer, j)
		return nil
	}

	list, total, err := db.ListJobs(c.Context, c.Int("limit"), 0)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSIZE\tSOURCE\tTARGET\tCREATED")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Kind, j.Status, humanize.IBytes(uint64(j.SizeBytes)),
			j.Source, j.Target, humanize.Time(j.CreatedAt))
	}
	tw.Flush()
	if total > len(list) {
		fmt.Fprintf(c.App.Writer, "(%d of %d jobs)\n", len(list), total)
	}
	return nil
}
