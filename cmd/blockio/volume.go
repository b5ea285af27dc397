package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/copier"
	"github.com/seantiz/blockio/internal/model"
)

func cmdSize() *cli.Command {
	return &cli.Command{
		Name:      "size",
		Usage:     "Print the size of a volume",
		ArgsUsage: "REF",
		Action:    volumeSize,
	}
}

func volumeSize(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	a, err := openApp(c, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	size, err := copier.New(a.registry, a.engine, nil, a.logger).Size(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	chunks := (size + int64(a.engine.ChunkSize) - 1) / int64(a.engine.ChunkSize)
	fmt.Fprintf(c.App.Writer, "%s (%d bytes, %d chunks of %s)\n",
		humanize.IBytes(uint64(size)), size, chunks, humanize.IBytes(uint64(a.engine.ChunkSize)))
	return nil
}

func cmdSnapshot() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Take a snapshot of an image",
		ArgsUsage: "scheme://pool/image@snapshot",
		Action:    snapshotVolume,
	}
}

func snapshotVolume(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	ref, err := model.ParseReadRef(c.Args().First())
	if err != nil {
		return err
	}
	if ref.Snapshot == "" {
		return fmt.Errorf("%s names no snapshot", ref)
	}
	a, err := openApp(c, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.registry.Resolve(ref.Scheme)
	if err != nil {
		return err
	}
	s, ok := b.(backend.Snapshotter)
	if !ok {
		return fmt.Errorf("%s: %w", ref.Scheme, backend.ErrSnapshotsUnsupported)
	}
	if err := s.CreateSnapshot(c.Context, ref.Pool, ref.Image, ref.Snapshot); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "created %s\n", ref)
	return nil
}

func cmdCreatePool() *cli.Command {
	return &cli.Command{
		Name:      "create-pool",
		Usage:     "Create a pool on a backend",
		ArgsUsage: "SCHEME POOL",
		Action:    createPool,
	}
}

func createPool(c *cli.Context) error {
	if err := checkArgs(c, 2); err != nil {
		return err
	}
	scheme, pool := c.Args().Get(0), c.Args().Get(1)
	a, err := openApp(c, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.registry.Resolve(scheme)
	if err != nil {
		return err
	}
	p, ok := b.(backend.PoolCreator)
	if !ok {
		return fmt.Errorf("%s: %w", scheme, backend.ErrPoolsUnsupported)
	}
	if err := p.CreatePool(c.Context, pool); err != nil {
		if errors.Is(err, backend.ErrPoolExists) {
			fmt.Fprintf(c.App.Writer, "pool %s already exists on %s\n", pool, scheme)
			return nil
		}
		return err
	}
	fmt.Fprintf(c.App.Writer, "created pool %s on %s\n", pool, scheme)
	return nil
}
