package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mattih11/commrat/config"
	"github.com/mattih11/commrat/internal/runner"
)

const appName = "commrat"

// Run is the CLI entry point. The canonical invocation is
// `commrat <config.json>`; with no argument the compiled-in default
// configuration is used. `demo` is an alias for the same action.
func Run() error {
	app := &cli.App{
		Name:      appName,
		Usage:     "Real-time message-passing module runtime",
		ArgsUsage: "[config.json]",
		Flags:     scenarioFlags(),
		Action:    runModules,
		Commands: []*cli.Command{
			{
				Name:      "demo",
				Usage:     "Run one of the example module graphs",
				ArgsUsage: "[config.json]",
				Flags:     scenarioFlags(),
				Action:    runModules,
			},
		},
	}
	return app.Run(os.Args)
}

func scenarioFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "scenario",
			Usage: "pipeline | fanout | fusion",
			Value: "pipeline",
		},
	}
}

func runModules(c *cli.Context) error {
	cfg, err := config.Load(c.Args().First())
	if err != nil {
		return err
	}

	app, run, err := NewApp(cfg, c.String("scenario"))
	if err != nil {
		return err
	}

	if err := app.Start(c.Context); err != nil {
		return err
	}

	code := run.Run(c.Context)

	if err := app.Stop(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		code = runner.ExitError
	}
	if code != runner.ExitOK {
		return cli.Exit("", code)
	}
	return nil
}
