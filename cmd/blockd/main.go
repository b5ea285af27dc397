// blockd serves one volume backend over the remote volume protocol. blockio
// reaches it with remote:// references once BLOCKIO_REMOTE_ADDR points here.
//
// Usage:
//
//	blockd --backend file --file-root /srv/volumes tcp://0.0.0.0:7070
//	blockd --backend memory --pools rbd,backup vsock://3:7070
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/bwlimit"
	"github.com/seantiz/blockio/internal/backend/file"
	"github.com/seantiz/blockio/internal/backend/memory"
	"github.com/seantiz/blockio/internal/backend/redis"
	"github.com/seantiz/blockio/internal/backend/remote"
	"github.com/seantiz/blockio/internal/backend/sqlite"
	"github.com/seantiz/blockio/internal/blockd"
	"github.com/seantiz/blockio/internal/config"
)

func main() {
	app := &cli.App{
		Name:      "blockd",
		Usage:     "Serve a volume backend to remote blockio clients",
		ArgsUsage: "ADDR",
		Description: `ADDR is tcp://host:port, unix:///path or vsock://cid:port.

Volumes are served from the backend chosen by --backend, which must be
configured by its own flag.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Value: "memory",
				Usage: "memory, file, sqlite or redis",
			},
			&cli.StringFlag{
				Name:  "pools",
				Value: "rbd",
				Usage: "comma separated pools of the memory backend",
			},
			&cli.StringFlag{
				Name:  "file-root",
				Usage: "directory of the file backend",
			},
			&cli.StringFlag{
				Name:  "sqlite",
				Usage: "database path of the sqlite backend",
			},
			&cli.StringFlag{
				Name:  "redis",
				Usage: "URL of the redis backend",
			},
			&cli.StringFlag{
				Name:  "read-limit",
				Usage: "read bandwidth limit per second, e.g. 100MiB",
			},
			&cli.StringFlag{
				Name:  "write-limit",
				Usage: "write bandwidth limit per second",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "trace, debug, info, warn or error",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		logrus.Fatalf("blockd: %v", err)
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.Out = os.Stderr
	log.Level = lvl
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	return log, nil
}

func openBackend(c *cli.Context) (backend.Backend, error) {
	var (
		b   backend.Backend
		err error
	)
	switch name := c.String("backend"); name {
	case "memory":
		var pools []string
		for _, p := range strings.Split(c.String("pools"), ",") {
			if p = strings.TrimSpace(p); p != "" {
				pools = append(pools, p)
			}
		}
		b = memory.New(pools...)
	case "file":
		if c.String("file-root") == "" {
			return nil, fmt.Errorf("file backend needs --file-root")
		}
		b, err = file.New(c.String("file-root"))
	case "sqlite":
		if c.String("sqlite") == "" {
			return nil, fmt.Errorf("sqlite backend needs --sqlite")
		}
		b, err = sqlite.New(c.String("sqlite"))
	case "redis":
		if c.String("redis") == "" {
			return nil, fmt.Errorf("redis backend needs --redis")
		}
		b, err = redis.New(c.Context, c.String("redis"))
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	if err != nil {
		return nil, err
	}

	var readLimit, writeLimit int64
	if s := c.String("read-limit"); s != "" {
		if readLimit, err = config.ParseSize(s); err != nil {
			b.Close()
			return nil, err
		}
	}
	if s := c.String("write-limit"); s != "" {
		if writeLimit, err = config.ParseSize(s); err != nil {
			b.Close()
			return nil, err
		}
	}
	if readLimit > 0 || writeLimit > 0 {
		b = bwlimit.New(b, readLimit, writeLimit)
	}
	return b, nil
}

func run(c *cli.Context) error {
	if c.Args().Len() != 1 {
		_ = cli.ShowAppHelp(c)
		return fmt.Errorf("need exactly one listen address")
	}
	log, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	addr, err := remote.ParseAddr(c.Args().First())
	if err != nil {
		return err
	}

	b, err := openBackend(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WithError(err).Warn("close backend")
		}
	}()

	l, err := remote.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := blockd.New(b, l, log)

	stop := context.AfterFunc(c.Context, func() {
		log.Info("shutting down")
		if err := srv.Close(); err != nil {
			log.WithError(err).Warn("close server")
		}
	})
	defer stop()

	log.WithFields(logrus.Fields{
		"addr":    addr.String(),
		"backend": b.Capabilities().Name,
	}).Info("blockd: serving")
	return srv.Serve()
}
