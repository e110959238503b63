package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "crucible: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "crucible",
		Usage: "deploy algorithm packages and run them as tasks",
		Description: "Configuration comes from the YAML file named by --config or CRUCIBLE_CONFIG, " +
			"overridden by CRUCIBLE_* environment variables.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CRUCIBLE_CONFIG"},
			},
		},
		Before: func(cctx *cli.Context) error {
			// config.Load reads the file name from the environment.
			if path := cctx.String("config"); path != "" {
				return os.Setenv("CRUCIBLE_CONFIG", path)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd,
			workerCmd,
			deployCmd,
			decommissionCmd,
			algorithmsCmd,
		},
	}
}
