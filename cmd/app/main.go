package main

import (
	"log"
	"os"

	"github.com/hamba/cmd"
	"gopkg.in/urfave/cli.v2"
)

import _ "github.com/joho/godotenv/autoload"

const (
	flagLedger      = "ledger"
	flagWorkers     = "workers"
	flagMaxPasses   = "max-passes"
	flagLockTimeout = "lock-timeout"
	flagStaleAge    = "stale-age"
	flagEmbedded    = "embedded"
	flagForceSeed   = "force-seed"
	flagAccounts    = "accounts"
	flagVideos      = "videos"
	flagMaxAttempts = "max-attempts"
	flagTaskCmd     = "task-cmd"
	flagWorkerID    = "id"
	flagPort        = "port"
	flagIncludeAcct = "include-account"
)

var version = "¯\\_(ツ)_/¯"

var ledgerFlags = cmd.Flags{
	&cli.StringFlag{
		Name:    flagLedger,
		Usage:   "The path of the job ledger file.",
		Value:   "jobs.csv",
		EnvVars: []string{"COORD_LEDGER"},
	},
	&cli.IntFlag{
		Name:    flagLockTimeout,
		Usage:   "The ledger lock timeout in seconds.",
		Value:   30,
		EnvVars: []string{"COORD_LOCK_TIMEOUT"},
	},
}

var taskFlags = cmd.Flags{
	&cli.StringSliceFlag{
		Name:    flagTaskCmd,
		Usage:   "The automation command to run per job, repeated per argv element.",
		EnvVars: []string{"COORD_TASK_CMD"},
	},
	&cli.IntFlag{
		Name:    flagStaleAge,
		Usage:   "The age in seconds after which a claim is presumed abandoned.",
		Value:   600,
		EnvVars: []string{"COORD_STALE_AGE"},
	},
}

var commands = []*cli.Command{
	{
		Name:  "run",
		Usage: "Run an orchestrator session over the ledger",
		Flags: cmd.Flags{
			&cli.IntFlag{
				Name:    flagWorkers,
				Usage:   "The number of worker processes.",
				Value:   3,
				EnvVars: []string{"COORD_WORKERS"},
			},
			&cli.IntFlag{
				Name:    flagMaxPasses,
				Usage:   "The retry pass ceiling.",
				Value:   3,
				EnvVars: []string{"COORD_MAX_PASSES"},
			},
			&cli.BoolFlag{
				Name:    flagEmbedded,
				Usage:   "Run workers in-process instead of spawning them.",
				EnvVars: []string{"COORD_EMBEDDED"},
			},
			&cli.BoolFlag{
				Name:    flagForceSeed,
				Usage:   "Seed even when the ledger already has rows.",
				EnvVars: []string{"COORD_FORCE_SEED"},
			},
			&cli.StringFlag{
				Name:    flagAccounts,
				Usage:   "The accounts file to seed from.",
				EnvVars: []string{"COORD_ACCOUNTS"},
			},
			&cli.StringFlag{
				Name:    flagVideos,
				Usage:   "The videos directory to seed from.",
				EnvVars: []string{"COORD_VIDEOS"},
			},
			&cli.IntFlag{
				Name:    flagMaxAttempts,
				Usage:   "The per-job attempt ceiling at seed time.",
				Value:   3,
				EnvVars: []string{"COORD_MAX_ATTEMPTS"},
			},
		}.Merge(ledgerFlags).Merge(taskFlags).Merge(cmd.CommonFlags),
		Action: runRun,
	},
	{
		Name:   "worker",
		Usage:  "Run a single worker process (spawned by run)",
		Hidden: true,
		Flags: cmd.Flags{
			&cli.IntFlag{
				Name:  flagWorkerID,
				Usage: "The worker id.",
				Value: 1,
			},
			&cli.IntSliceFlag{
				Name:  flagPort,
				Usage: "A device bridge port reserved for this worker, repeatable.",
			},
		}.Merge(ledgerFlags).Merge(taskFlags).Merge(cmd.CommonFlags),
		Action: runWorker,
	},
	{
		Name:  "seed",
		Usage: "Seed the ledger from an accounts file and a videos directory",
		Flags: cmd.Flags{
			&cli.StringFlag{
				Name:    flagAccounts,
				Usage:   "The accounts file to seed from.",
				EnvVars: []string{"COORD_ACCOUNTS"},
			},
			&cli.StringFlag{
				Name:    flagVideos,
				Usage:   "The videos directory to seed from.",
				EnvVars: []string{"COORD_VIDEOS"},
			},
			&cli.IntFlag{
				Name:    flagMaxAttempts,
				Usage:   "The per-job attempt ceiling.",
				Value:   3,
				EnvVars: []string{"COORD_MAX_ATTEMPTS"},
			},
		}.Merge(ledgerFlags).Merge(cmd.CommonFlags),
		Action: runSeed,
	},
	{
		Name:   "status",
		Usage:  "Print per-status and per-failure-category job counts",
		Flags:  cmd.Flags{}.Merge(ledgerFlags).Merge(cmd.CommonFlags),
		Action: runStatus,
	},
	{
		Name:  "reset",
		Usage: "Reset failed jobs back to pending",
		Flags: cmd.Flags{
			&cli.BoolFlag{
				Name:  flagIncludeAcct,
				Usage: "Also reset account-category failures.",
			},
		}.Merge(ledgerFlags).Merge(cmd.CommonFlags),
		Action: runReset,
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "app",
		Version:  version,
		Commands: commands,
	}
}

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
