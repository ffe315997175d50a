package dorkcli

import (
	"flag"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dorklabs/dork/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "dork"
	app.Usage = "agent messaging and discovery substrate"
	app.Description = `Dork is a store-and-forward message bus and an agent registry for coding
agents working side by side on one machine.

This executable starts the daemon ('run') and manages its on-disk state
(all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name: "The Dork Authors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// The actual entry points register themselves via AddSubcommand from
	// package inits; the daemon's 'run' lives in the dork package.
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
