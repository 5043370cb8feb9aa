package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/ruteri/tee-secret-recovery/cmd/flags"
	"github.com/ruteri/tee-secret-recovery/conformance"
	"github.com/ruteri/tee-secret-recovery/enclavetest"
	"github.com/ruteri/tee-secret-recovery/env"
	"github.com/ruteri/tee-secret-recovery/oracle"
	"github.com/ruteri/tee-secret-recovery/svr"
	"github.com/ruteri/tee-secret-recovery/transport"
	"github.com/urfave/cli/v2"
)

var conformanceFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "steps",
		Value: 50,
		Usage: "transitions per case",
	},
	&cli.IntFlag{
		Name:  "cases",
		Value: 10,
		Usage: "number of random cases",
	},
	&cli.Int64Flag{
		Name:  "seed",
		Usage: "seed of the first case; random when unset",
	},
	&cli.BoolFlag{
		Name:  "local",
		Usage: "run against in-process replicas instead of --env",
	},
	&cli.DurationFlag{
		Name:  "sleep",
		Value: 0,
		Usage: "pause before every live operation",
	},
	&cli.BoolFlag{
		Name:  "forget-share-set",
		Value: true,
		Usage: "discard the share set once a restore reports the data gone",
	},
}

func main() {
	app := &cli.App{
		Name:  "svr3-conformance",
		Usage: "Compare live replicas against the reference storage model",
		Flags: append(append(append([]cli.Flag{flags.LogServiceFlagFn("svr3-conformance")}, conformanceFlags...), flags.CommonFlags...), flags.ClientFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			var client *svr.Client
			if cCtx.Bool("local") {
				local, err := enclavetest.NewSvr3(logger)
				if err != nil {
					return err
				}
				defer local.Close()
				client = local.Client(local.Server.PipeConnector(), logger)
			} else {
				e, err := flags.LoadEnvironment(cCtx)
				if err != nil {
					return err
				}
				sgxSecret, nitroSecret, err := flags.Secrets(cCtx)
				if err != nil {
					return err
				}
				client, err = e.Client(env.ClientConfig{
					Connector:   transport.NewWebSocketConnector(logger),
					SgxSecret:   sgxSecret,
					NitroSecret: nitroSecret,
				})
				if err != nil {
					return err
				}
				client.Log = logger
			}

			seed := cCtx.Int64("seed")
			if !cCtx.IsSet("seed") {
				seed = time.Now().UnixNano()
			}

			cases := cCtx.Int("cases")
			for i := 0; i < cases; i++ {
				caseSeed := seed + int64(i)
				runner := conformance.NewRunner(conformance.NewSvrSUT(client), conformance.Config{
					Sleep:          cCtx.Duration("sleep"),
					ForgetShareSet: cCtx.Bool("forget-share-set"),
					Log:            logger,
				})
				seq := oracle.GenerateSequence(rand.New(rand.NewSource(caseSeed)), cCtx.Int("steps"))
				if err := runner.Run(cCtx.Context, seq); err != nil {
					logger.Error("Conformance case failed", "case", i, "seed", caseSeed, "err", err)
					return fmt.Errorf("case %d (seed %d): %w", i, caseSeed, err)
				}
				logger.Info("Conformance case passed", "case", i, "seed", caseSeed)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
