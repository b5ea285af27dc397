package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/blockio/internal/config"
)

// globalFlags override the BLOCKIO_* environment for a single invocation.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "db",
			Usage: "job database `PATH` (BLOCKIO_DB_PATH)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (BLOCKIO_LOG_LEVEL)",
		},
		&cli.StringFlag{
			Name:  "chunk-size",
			Usage: "chunk `SIZE`, e.g. 4MiB (BLOCKIO_CHUNK_SIZE)",
		},
		&cli.IntFlag{
			Name:  "readers",
			Usage: "number of reader workers (BLOCKIO_SIMULTANEOUS_READS)",
		},
		&cli.IntFlag{
			Name:  "writers",
			Usage: "number of writer workers (BLOCKIO_SIMULTANEOUS_WRITES)",
		},
		&cli.StringFlag{
			Name:  "hash",
			Usage: "chunk digest function (BLOCKIO_HASH_FUNCTION)",
		},
		&cli.StringFlag{
			Name:  "file-root",
			Usage: "serve file:// volumes under `DIR` (BLOCKIO_FILE_ROOT)",
		},
		&cli.StringFlag{
			Name:  "sqlite",
			Usage: "serve sqlite:// volumes from the database at `PATH` (BLOCKIO_SQLITE_PATH)",
		},
		&cli.StringFlag{
			Name:  "redis",
			Usage: "serve redis:// volumes from `URL` (BLOCKIO_REDIS_URL)",
		},
		&cli.StringFlag{
			Name:  "remote",
			Usage: "serve remote:// volumes from the blockd server at `ADDR` (BLOCKIO_REMOTE_ADDR)",
		},
		&cli.StringFlag{
			Name:  "read-limit",
			Usage: "read bandwidth limit per second, e.g. 100MiB (BLOCKIO_READ_BWLIMIT)",
		},
		&cli.StringFlag{
			Name:  "write-limit",
			Usage: "write bandwidth limit per second (BLOCKIO_WRITE_BWLIMIT)",
		},
	}
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Load()

	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = config.ParseLogLevel(c.String("log-level"))
	}
	if c.IsSet("chunk-size") {
		n, err := config.ParseSize(c.String("chunk-size"))
		if err != nil {
			return cfg, err
		}
		if n <= 0 {
			return cfg, fmt.Errorf("chunk size must be positive")
		}
		cfg.ChunkSize = int(n)
	}
	if c.IsSet("readers") {
		cfg.SimultaneousReads = c.Int("readers")
	}
	if c.IsSet("writers") {
		cfg.SimultaneousWrites = c.Int("writers")
	}
	if c.IsSet("hash") {
		cfg.HashFunction = c.String("hash")
	}
	if c.IsSet("file-root") {
		cfg.FileRoot = c.String("file-root")
	}
	if c.IsSet("sqlite") {
		cfg.SQLitePath = c.String("sqlite")
	}
	if c.IsSet("redis") {
		cfg.RedisURL = c.String("redis")
	}
	if c.IsSet("remote") {
		cfg.RemoteAddr = c.String("remote")
	}
	if c.IsSet("read-limit") {
		n, err := config.ParseSize(c.String("read-limit"))
		if err != nil {
			return cfg, err
		}
		cfg.ReadBWLimit = n
	}
	if c.IsSet("write-limit") {
		n, err := config.ParseSize(c.String("write-limit"))
		if err != nil {
			return cfg, err
		}
		cfg.WriteBWLimit = n
	}
	return cfg, nil
}

// checkArgs fails with the command's usage when it was not given n arguments.
func checkArgs(c *cli.Context, n int) error {
	if c.Args().Len() != n {
		_ = cli.ShowSubcommandHelp(c)
		return fmt.Errorf("%s takes %d argument(s), got %d", c.Command.Name, n, c.Args().Len())
	}
	return nil
}
