package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/multisig-wizard/coordinator/api"
	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/digest"
	"github.com/multisig-wizard/coordinator/ledger"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/multisig-wizard/coordinator/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// The proposal commands open the store themselves, so they cannot run while
// the daemon holds it.
var proposalCMD = &cli.Command{
	Name:  "proposal",
	Usage: "Create, sign and inspect proposals",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "Create a proposal from a partial transaction request",
			ArgsUsage: "<request.json>",
			Action:    withService(createProposal),
		},
		{
			Name:      "sign",
			Usage:     "Add a signature from a request carrying transactionId",
			ArgsUsage: "<request.json>",
			Action:    withService(signProposal),
		},
		{
			Name:  "list",
			Usage: "List the pending proposals of a source account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "source", Usage: "multisig account", Required: true},
			},
			Action: withService(func(ctx *cli.Context, s *api.Service) (any, error) {
				return s.ListProposals(ctx.Context, ctx.String("source"))
			}),
		},
		{
			Name:      "show",
			Usage:     "Show one pending proposal",
			ArgsUsage: "<id>",
			Action: withService(func(ctx *cli.Context, s *api.Service) (any, error) {
				return s.Get(ctx.Context, ctx.Args().First())
			}),
		},
		{
			Name:  "unreconciled",
			Usage: "List proposals whose broadcast outcome is unknown",
			Action: withService(func(ctx *cli.Context, s *api.Service) (any, error) {
				return s.ListUnreconciled(ctx.Context)
			}),
		},
		{
			Name:      "reconcile",
			Usage:     "Settle a proposal after checking the ledger",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "outcome", Usage: "completed or failed", Required: true},
			},
			Action: withService(func(ctx *cli.Context, s *api.Service) (any, error) {
				return nil, s.Reconcile(ctx.Context, ctx.Args().First(), ctx.String("outcome"))
			}),
		},
		{
			Name:      "cancel",
			Usage:     "Cancel a pending proposal on behalf of its proposer",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "account", Usage: "proposer account", Required: true},
			},
			Action: withService(func(ctx *cli.Context, s *api.Service) (any, error) {
				return nil, s.Cancel(ctx.Context, ctx.Args().First(), ctx.String("account"))
			}),
		},
		{
			Name:  "digest",
			Usage: "Show the proposals the next digest reports, or publish it now",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "publish", Usage: "publish the digest and clear the changed flags"},
			},
			Action: runDigest,
		},
	},
}

type serviceAction func(ctx *cli.Context, s *api.Service) (any, error)

// withService opens the repo for one command and prints its result, or its
// failure, as JSON.
func withService(action serviceAction) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		out, err := action(ctx, e.service)
		if err != nil {
			printJSON(api.NewFailure(err))
			return cli.Exit("", 1)
		}
		if out != nil {
			printJSON(out)
		}
		return nil
	}
}

func createProposal(ctx *cli.Context, s *api.Service) (any, error) {
	var req api.PartialTxRequest
	if err := readRequest(ctx, &req); err != nil {
		return nil, err
	}
	return s.CreateProposal(ctx.Context, &req)
}

func signProposal(ctx *cli.Context, s *api.Service) (any, error) {
	var req api.AddSigRequest
	if err := readRequest(ctx, &req); err != nil {
		return nil, err
	}
	return s.AddSignature(ctx.Context, &req)
}

func runDigest(ctx *cli.Context) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if !ctx.Bool("publish") {
		changed, err := e.service.ListChangedDigest(ctx.Context)
		if err != nil {
			printJSON(api.NewFailure(err))
			return cli.Exit("", 1)
		}
		printJSON(changed)
		return nil
	}

	config := e.repo.Config.Digest
	config.Enable = true
	publisher, err := newPublisher(e.repo, e.logger)
	if err != nil {
		return err
	}
	return digest.NewReporter(config, e.engine, e.client, publisher, e.logger).Run(ctx.Context)
}

func readRequest(ctx *cli.Context, v any) error {
	path := ctx.Args().First()
	if path == "" {
		return core.ErrValidation.New("request file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return core.ErrValidation.Wrapf(err, "read request %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ErrValidation.Wrapf(err, "decode request %s", path)
	}
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(errors.Wrap(err, "encode output"))
		return
	}
	fmt.Println(string(data))
}

type env struct {
	repo    *repo.Repo
	store   *storage.Store
	client  *ledger.Client
	engine  *core.Engine
	service *api.Service
	logger  *logrus.Logger
}

func openEnv(ctx *cli.Context) (*env, error) {
	r, err := mustLoadRepo(ctx)
	if err != nil {
		return nil, err
	}
	logger := newLogger(r.Config)

	store, err := storage.Open(r.StorePath())
	if err != nil {
		return nil, errors.Wrap(err, "open store, is the daemon running?")
	}
	client, err := ledger.Dial(ctx.Context, r.Config.Ledger, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine := core.NewEngine(r.Config, store, client, logger, core.WithMetrics(core.NewMetrics(prometheus.NewRegistry())))
	return &env{
		repo:    r,
		store:   store,
		client:  client,
		engine:  engine,
		service: api.NewService(engine, logger),
		logger:  logger,
	}, nil
}

func (e *env) close() {
	e.client.Close()
	if err := e.store.Close(); err != nil {
		e.logger.WithError(err).Warn("close store")
	}
}
