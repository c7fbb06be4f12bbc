package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/config"
	"github.com/livekit/svc-forwarder/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to svc-forwarder config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "svc-forwarder config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"SVC_FORWARDER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides the configured log level",
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:  "svc-forwarder",
		Usage: "Replays captured scalable video through per receiver layer selection",
		Flags: append(baseFlags, generatedFlags...),
		Commands: []*cli.Command{
			{
				Name:      "replay",
				Usage:     "forwards the configured captures to every output and reports what each received",
				Action:    replay,
				ArgsUsage: "[capture ...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mime-type",
						Usage: "codec of the captures given as arguments",
						Value: "video/VP8",
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "report format, one of yaml, json or table",
					},
					&cli.BoolFlag{
						Name:  "status",
						Usage: "serves /metrics and /report on the prometheus port while replaying",
					},
				},
			},
			{
				Name:      "dd",
				Usage:     "decodes a hex encoded dependency descriptor header extension",
				Action:    decodeDependencyDescriptor,
				ArgsUsage: "<hex> [hex of the packet attaching the structure]",
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
