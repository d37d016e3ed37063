package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/broyeztony/sheetserver/internal/config"
)

// Run is the CLI entrypoint: one optional positional port argument,
// default 2000, an optional --config flag pointing at a TOML file.
//
// --config is parsed by a pflag.FlagSet ahead of urfave/cli, since it is
// a setting the loader consumes directly rather than a cli.App flag; the
// remaining arguments (the positional port, if any) are handed to cli.App
// unchanged so its usage/help/exit-code handling still applies to them.
func Run(args []string) error {
	fs := pflag.NewFlagSet("sheetserver", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := config.RegisterFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stdout, err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:      "sheetserver",
		Usage:     "collaborative spreadsheet server",
		ArgsUsage: "[port]",
		Action: func(c *cli.Context) error {
			return action(c, *configPath)
		},
	}
	return app.Run(append([]string{args[0]}, fs.Args()...))
}

func action(c *cli.Context, configPath string) error {
	if c.NArg() > 1 {
		cli.ShowAppHelp(c)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stdout, err)
		os.Exit(1)
	}

	if c.NArg() == 1 {
		port, perr := strconv.Atoi(c.Args().Get(0))
		if perr != nil {
			fmt.Fprintf(os.Stdout, "invalid port %q: not a number\n", c.Args().Get(0))
			os.Exit(1)
		}
		cfg.Port = port
	}
	if err := config.ValidatePort(cfg.Port); err != nil {
		fmt.Fprintln(os.Stdout, err)
		os.Exit(1)
	}

	app, srv := NewApp(cfg)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	srv.Wait()

	stopCtx, cancel2 := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel2()
	return app.Stop(stopCtx)
}
