package main

import (
	"context"
	"os"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symbolserver/pkg/symbolserver"
	"github.com/grafana/symbolserver/pkg/util"
)

type serverParams struct {
	configFile      string
	configExpandEnv bool
	flags           *symbolserver.Flags
}

func addServerParams(cmd *kingpin.CmdClause) *serverParams {
	params := &serverParams{flags: symbolserver.NewFlags()}
	cmd.Flag("config.file", "Configuration file to load.").Default("").StringVar(&params.configFile)
	cmd.Flag("config.expand-env", "Expands ${var} in config according to the values of the environment variables.").Default("false").BoolVar(&params.configExpandEnv)
	params.flags.VisitAll(func(name, usage string, value symbolserver.Value) {
		cmd.Flag(name, usage).SetValue(value)
	})
	return params
}

func runServer(ctx context.Context, params *serverParams) error {
	cfg, err := params.flags.Load(params.configFile, params.configExpandEnv)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Log, os.Stderr)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("symbolserver"),
	)

	s, err := symbolserver.New(ctx, *cfg, logger, reg, reg)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "starting symbol server", "addr", s.Addr())
	return s.Run(ctx)
}
