package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/seantiz/crucible/internal/algorithm"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/model"
)

var deployCmd = &cli.Command{
	Name:      "deploy",
	Usage:     "validate and register algorithm packages",
	ArgsUsage: "<dir>...",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "replace",
			Usage: "replace an already deployed package with the same name and version",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return cli.ShowSubcommandHelp(cctx)
		}
		return withComponents(cctx, func(ctx context.Context, c *components) error {
			opts := algorithm.DeployOptions{Replace: cctx.Bool("replace")}
			failed := 0
			for _, dir := range cctx.Args().Slice() {
				a, err := c.deployer.Deploy(ctx, dir, opts)
				if err != nil {
					failed++
					printDeployError(cctx, dir, err)
					continue
				}
				fmt.Fprintf(cctx.App.Writer, "deployed %s (%s) id=%s module=%s assets=%s\n",
					a.Key(), a.Runtime, a.ID,
					humanize.IBytes(uint64(a.ModuleSize)), humanize.IBytes(uint64(a.AssetsSize)))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d packages failed to deploy", failed, cctx.NArg())
			}
			return nil
		})
	},
}

func printDeployError(cctx *cli.Context, dir string, err error) {
	var derr *model.DeploymentError
	if !errors.As(err, &derr) {
		fmt.Fprintf(cctx.App.ErrWriter, "%s: %v\n", dir, err)
		return
	}
	fmt.Fprintf(cctx.App.ErrWriter, "%s: deployment of %s rejected:\n", dir, derr.Package)
	for _, p := range derr.Problems {
		fmt.Fprintf(cctx.App.ErrWriter, "  - %v\n", p)
	}
}

var decommissionCmd = &cli.Command{
	Name:      "decommission",
	Usage:     "remove a deployed algorithm version and its unreferenced artifacts",
	ArgsUsage: "<name> <version>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return cli.ShowSubcommandHelp(cctx)
		}
		return withComponents(cctx, func(ctx context.Context, c *components) error {
			a, err := c.registry.Decommission(ctx, cctx.Args().Get(0), cctx.Args().Get(1))
			if err != nil {
				return err
			}
			fmt.Fprintf(cctx.App.Writer, "decommissioned %s id=%s\n", a.Key(), a.ID)
			return nil
		})
	},
}

var algorithmsCmd = &cli.Command{
	Name:  "algorithms",
	Usage: "list deployed algorithms",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "only this algorithm name"},
		&cli.Uint64Flag{Name: "major", Usage: "only this major version"},
		&cli.Uint64Flag{Name: "minor", Usage: "only this minor version"},
	},
	Action: func(cctx *cli.Context) error {
		f := algorithm.Filter{Name: cctx.String("name")}
		if cctx.IsSet("major") {
			v := cctx.Uint64("major")
			f.Major = &v
		}
		if cctx.IsSet("minor") {
			v := cctx.Uint64("minor")
			f.Minor = &v
		}
		return withComponents(cctx, func(ctx context.Context, c *components) error {
			list, err := c.registry.List(ctx, f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cctx.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSION\tCATEGORY\tRUNTIME\tDEVICES\tSIZE\tDEPLOYED")
			for _, a := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Name, a.Version, a.Category, a.Runtime,
					strings.Join(a.SupportedDevices, ","),
					humanize.IBytes(uint64(a.ModuleSize+a.AssetsSize)),
					humanize.Time(a.DeployedAt),
				)
			}
			return tw.Flush()
		})
	},
}

// withComponents loads config, builds the components and runs fn.
func withComponents(cctx *cli.Context, fn func(context.Context, *components) error) error {
	cfg, logger, err := loadConfig(cctx.App.ErrWriter)
	if err != nil {
		return err
	}
	if cfg.Storage.Provider == config.StorageMemory {
		logger.Warn("memory object store: artifacts are dropped when this command exits")
	}
	c, err := buildComponents(cctx.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cctx.Context, c)
}
