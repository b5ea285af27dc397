package main

import (
	"github.com/urfave/cli/v2"

	"github.com/seantiz/blockio/internal/api"
)

func cmdServe() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the jobs API",
		Description: `Jobs submitted over HTTP run in the background and are recorded in the job
database. Volumes are reached through the backends given by the global flags.

Examples:
$ blockio serve --listen :8080
$ BLOCKIO_FILE_ROOT=/srv/volumes blockio serve`,
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen `ADDR` (BLOCKIO_LISTEN_ADDR)",
			},
		},
	}
}

func serve(c *cli.Context) error {
	if err := checkArgs(c, 0); err != nil {
		return err
	}
	a, err := openApp(c, false, true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.ListenAddr
	if c.IsSet("listen") {
		addr = c.String("listen")
	}
	a.logger.Info("blockio: starting",
		"listen_addr", addr,
		"db_path", a.cfg.DBPath,
		"chunk_size", a.engine.ChunkSize,
		"readers", a.engine.SimultaneousReads,
		"writers", a.engine.SimultaneousWrites,
	)

	srv := api.NewServer(addr, a.store, a.registry, a.runner, a.logger)
	return srv.Run()
}
