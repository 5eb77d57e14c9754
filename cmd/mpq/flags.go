package main

import "github.com/urfave/cli/v3"

var (
	topologyPath     string
	weightsPath      string
	capabilitiesPath string
	logLevel         string
	logFormat        string
	debug            bool
	configFile       string

	fileConfig Config
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the model topology (.yaml or .json)",
			Required:    true,
			Destination: &topologyPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a .safetensors file with the float weights",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "capabilities",
			Aliases:     []string{"caps"},
			Usage:       "path to a capability model (.yaml); default is the built-in target",
			Destination: &capabilitiesPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "config file (default $XDG_CONFIG_HOME/mpq/config.yaml)",
		Sources:     cli.EnvVars("MPQ_CONFIG"),
		Destination: &configFile,
	}
}
