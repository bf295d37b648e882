package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"mrelay/internal/app"
)

const (
	exitCodeFailure = 1
	exitCodeUsage   = 2
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// run starts the relay process.
// Params: args command line arguments without program name.
// Returns: process exit code.
func run(args []string) int {
	var (
		configPath string
		envFile    string
		showInfo   bool
	)

	flagSet := pflag.NewFlagSet("mrelay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.toml", "path to TOML config file or directory")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config expansion (ignored when missing)")
	flagSet.BoolVarP(&showInfo, "version", "v", false, "show build information")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeUsage
	}

	if showInfo {
		fmt.Printf("mrelay version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "error: load env file: %v\n", err)
			return exitCodeFailure
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	rt := app.Runtime{ConfigPath: configPath, Reload: reload, Stdin: os.Stdin}
	if err := app.Run(ctx, rt); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}

	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
