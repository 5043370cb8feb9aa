package flags

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/common"
	"github.com/ruteri/tee-secret-recovery/env"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/serviceresolver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadEnvironment reads --env-file when set and the embedded --env
// otherwise, then resolves SRV records when --nameserver is set.
func LoadEnvironment(cCtx *cli.Context) (*env.Environment, error) {
	name := cCtx.String(EnvFlag.Name)

	var (
		e   *env.Environment
		err error
	)
	if path := cCtx.String(EnvFileFlag.Name); path != "" {
		e, err = env.LoadFile(path, name)
	} else {
		e, err = env.Load(name)
	}
	if err != nil {
		return nil, err
	}

	if ns := cCtx.String(NameserverFlag.Name); ns != "" {
		if err := e.Resolve(cCtx.Context, serviceresolver.New(ns)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Secrets parses the base64 credential secrets.
func Secrets(cCtx *cli.Context) (sgx, nitro [auth.SecretSize]byte, err error) {
	sgx, err = auth.ParseSecret(cCtx.String(SgxSecretFlag.Name))
	if err != nil {
		return sgx, nitro, fmt.Errorf("--%s: %w", SgxSecretFlag.Name, err)
	}
	nitro, err = auth.ParseSecret(cCtx.String(NitroSecretFlag.Name))
	if err != nil {
		return sgx, nitro, fmt.Errorf("--%s: %w", NitroSecretFlag.Name, err)
	}
	return sgx, nitro, nil
}

// UserID parses --uid.
func UserID(cCtx *cli.Context) (interfaces.UserID, error) {
	uid, err := interfaces.NewUserIDFromHex(cCtx.String(UIDFlag.Name))
	if err != nil {
		return uid, fmt.Errorf("--%s: %w", UIDFlag.Name, err)
	}
	return uid, nil
}

var EnvFlag = &cli.StringFlag{
	Name:  "env",
	Value: "local",
	Usage: "environment to connect to",
}

var EnvFileFlag = &cli.StringFlag{
	Name:  "env-file",
	Usage: "YAML file with environments, instead of the embedded ones",
}

var NameserverFlag = &cli.StringFlag{
	Name:  "nameserver",
	Usage: "nameserver (host:port) for SRV route discovery; disabled when empty",
}

var SgxSecretFlag = &cli.StringFlag{
	Name:    "sgx-secret",
	EnvVars: []string{"SVR3_SGX_SECRET"},
	Usage:   "base64 credential secret of the Sgx replica",
}

var NitroSecretFlag = &cli.StringFlag{
	Name:    "nitro-secret",
	EnvVars: []string{"SVR3_NITRO_SECRET"},
	Usage:   "base64 credential secret of the Nitro replica",
}

var UIDFlag = &cli.StringFlag{
	Name:     "uid",
	Required: true,
	Usage:    "user id, 32-char hex string",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ClientFlags = []cli.Flag{
	EnvFlag,
	EnvFileFlag,
	NameserverFlag,
	SgxSecretFlag,
	NitroSecretFlag,
}
