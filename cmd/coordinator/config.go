package main

import (
	"fmt"
	"os"

	"github.com/multisig-wizard/coordinator/ledger"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var configCMD = &cli.Command{
	Name:  "config",
	Usage: "Manage the coordinator config",
	Subcommands: []*cli.Command{
		{
			Name:  "generate",
			Usage: "Generate the default config in the repo",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "dial-url", Usage: "ledger JSON-RPC endpoint"},
				&cli.StringFlag{Name: "digest-dir", Usage: "enable digests and write them under this directory"},
			},
			Action: generate,
		},
		{
			Name:   "show",
			Usage:  "Show the config with environment overrides applied",
			Action: withRepo(show),
		},
		{
			Name:  "check",
			Usage: "Check that the config parses and the ledger answers",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "account", Usage: "multisig account whose authority is resolved"},
			},
			Action: check,
		},
		{
			Name:  "rewrite-with-env",
			Usage: "Write environment overrides back into the config file",
			Action: withRepo(func(_ *cli.Context, r *repo.Repo) error {
				return r.Flush()
			}),
		},
	},
}

func generate(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	if repo.Exist(p) {
		fmt.Printf("coordinator repo already exists at %s\n", p)
		return nil
	}

	config := repo.DefaultConfig(p)
	if url := ctx.String("dial-url"); url != "" {
		config.Ledger.DialUrl = url
	}
	if dir := ctx.String("digest-dir"); dir != "" {
		config.Digest.Enable = true
		config.Digest.OutputDir = dir
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "generated config is invalid")
	}

	if err := os.MkdirAll(p, 0755); err != nil {
		return err
	}
	if err := repo.CheckWritable(p); err != nil {
		return err
	}
	if err := (&repo.Repo{Config: config}).Flush(); err != nil {
		return err
	}

	fmt.Printf("initializing coordinator at %s\n", p)
	return nil
}

func show(_ *cli.Context, r *repo.Repo) error {
	str, err := repo.MarshalConfig(r.Config)
	if err != nil {
		return err
	}
	fmt.Println(str)
	return nil
}

// check goes past parsing: it dials the ledger and, with --account, prints
// the authority proposals of that account would be checked against.
func check(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	if !repo.Exist(p) {
		return cli.Exit(fmt.Sprintf("coordinator repo not exist at %s", p), 1)
	}
	r, err := repo.Load(p)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config file error, please check: %v", err), 1)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	cfg := r.Config.Ledger
	cfg.DialRetries = 0
	client, err := ledger.Dial(ctx.Context, cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ledger unreachable: %v", err), 1)
	}
	defer client.Close()

	if account := ctx.String("account"); account != "" {
		authority, err := client.Resolve(ctx.Context, account)
		if err != nil {
			return cli.Exit(fmt.Sprintf("resolve %s: %v", account, err), 1)
		}
		printJSON(authority)
	}
	fmt.Println("config ok")
	return nil
}

// withRepo skips the action, with a notice, when the repo was never generated.
func withRepo(action func(ctx *cli.Context, r *repo.Repo) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		p, err := getRootPath(ctx)
		if err != nil {
			return err
		}
		if !repo.Exist(p) {
			fmt.Println("coordinator repo not exist")
			return nil
		}
		r, err := repo.Load(p)
		if err != nil {
			return err
		}
		return action(ctx, r)
	}
}

func mustLoadRepo(ctx *cli.Context) (*repo.Repo, error) {
	p, err := getRootPath(ctx)
	if err != nil {
		return nil, err
	}
	if !repo.Exist(p) {
		return nil, errors.Errorf("coordinator repo not exist at %s, run `config generate` first", p)
	}
	return repo.Load(p)
}

func getRootPath(ctx *cli.Context) (string, error) {
	return repo.LoadRepoRootFromEnv(ctx.String("repo"))
}
