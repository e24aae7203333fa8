package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcrelay/internal/app"
	"mcrelay/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [config-file]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "The config file defaults to %s; the %s environment\nvariable and a mcrelay.toml/yaml/yml in the working directory are also honored.\n", config.DefaultConfigFile, config.EnvConfigPath)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 1 {
		usage()
		os.Exit(2)
	}

	resolved, err := config.ResolveConfigPath(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcrelay: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, resolved.Path); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "mcrelay: %v\n", err)
		os.Exit(1)
	}
}
