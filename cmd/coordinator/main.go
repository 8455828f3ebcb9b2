package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "Coordinator"
	app.Usage = "Collects signatures for multisig transfers and broadcasts them once the threshold is met"
	app.Compiled = time.Now()

	cli.VersionPrinter = func(c *cli.Context) {
		printVersion()
	}

	// global flags
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "Coordinator storage repo path",
		},
	}

	app.Commands = []*cli.Command{
		configCMD,
		proposalCMD,
		{
			Name:  "start",
			Usage: "Start the daemon running expiry sweeps and digests, holding the store until it stops",
			Description: "The daemon holds the proposal store for as long as it runs. The proposal\n" +
				"commands open the same store, so stop the daemon before creating or signing.",
			Action: start,
		},
		{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "Coordinator version",
			Action: func(ctx *cli.Context) error {
				printVersion()
				return nil
			},
		},
	}

	return app
}
