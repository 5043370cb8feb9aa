package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/cmd/flags"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclave"
	"github.com/ruteri/tee-secret-recovery/enclavetest"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for enclave websockets",
}

var flagAttestation = &cli.StringFlag{
	Name:  "attestation",
	Value: "dev",
	Usage: "evidence to serve: 'dev', 'dcap' (local TDX guest) or 'remote' (quote service)",
}

var flagQuoteProvider = &cli.StringFlag{
	Name:  "quote-provider-addr",
	Value: "http://127.0.0.1:8850",
	Usage: "quote service address for --attestation=remote",
}

var flagSgxMrEnclave = &cli.StringFlag{
	Name:  "sgx-mr-enclave",
	Usage: "hex measurement the Sgx replica is served under; defaults to the local development identity",
}

var flagNitroMrEnclave = &cli.StringFlag{
	Name:  "nitro-mr-enclave",
	Usage: "measurement the Nitro replica is served under; defaults to the local development identity",
}

func main() {
	app := &cli.App{
		Name:  "svr3-replica",
		Usage: "Serve an Sgx/Nitro replica pair for development and conformance runs",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flagAttestation,
			flagQuoteProvider,
			flagSgxMrEnclave,
			flagNitroMrEnclave,
			flags.SgxSecretFlag,
			flags.NitroSecretFlag,
			flags.LogServiceFlagFn("svr3-replica"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg := enclavetest.Svr3Config{
				ListenAddr: cCtx.String(flagListenAddr.Name),
				Log:        logger,
			}
			switch attestation := cCtx.String(flagAttestation.Name); attestation {
			case "dev":
			case "dcap":
				cfg.Provider = cryptoutils.DCAPAttestationProvider{}
			case "remote":
				cfg.Provider = &cryptoutils.RemoteAttestationProvider{Address: cCtx.String(flagQuoteProvider.Name)}
			default:
				return fmt.Errorf("invalid attestation: %s", attestation)
			}
			if v := cCtx.String(flagSgxMrEnclave.Name); v != "" {
				mr, err := enclave.ParseMrEnclave[enclave.Sgx](v)
				if err != nil {
					return fmt.Errorf("--%s: %w", flagSgxMrEnclave.Name, err)
				}
				cfg.SgxIdentity = &mr
			}
			if v := cCtx.String(flagNitroMrEnclave.Name); v != "" {
				mr, err := enclave.ParseMrEnclave[enclave.Nitro](v)
				if err != nil {
					return fmt.Errorf("--%s: %w", flagNitroMrEnclave.Name, err)
				}
				cfg.NitroIdentity = &mr
			}

			if cCtx.IsSet(flags.SgxSecretFlag.Name) {
				secret, err := auth.ParseSecret(cCtx.String(flags.SgxSecretFlag.Name))
				if err != nil {
					return fmt.Errorf("--%s: %w", flags.SgxSecretFlag.Name, err)
				}
				cfg.SgxSecret = &secret
			}
			if cCtx.IsSet(flags.NitroSecretFlag.Name) {
				secret, err := auth.ParseSecret(cCtx.String(flags.NitroSecretFlag.Name))
				if err != nil {
					return fmt.Errorf("--%s: %w", flags.NitroSecretFlag.Name, err)
				}
				cfg.NitroSecret = &secret
			}

			replicas, err := enclavetest.NewSvr3WithConfig(cfg)
			if err != nil {
				logger.Error("Failed to start replicas", "err", err)
				return err
			}

			// Generated secrets must reach the clients
			if cfg.SgxSecret == nil || cfg.NitroSecret == nil {
				fmt.Printf("SVR3_SGX_SECRET=%s\n", base64.StdEncoding.EncodeToString(replicas.SgxSecret[:]))
				fmt.Printf("SVR3_NITRO_SECRET=%s\n", base64.StdEncoding.EncodeToString(replicas.NitroSecret[:]))
			}

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Replicas are running, press Ctrl+C to stop", "route", replicas.Server.Route().String())
			<-exit
			logger.Info("Shutdown signal received")

			replicas.Close()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
