package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := kingpin.New(filepath.Base(os.Args[0]), "Resolves addresses of crash reports to symbols of system SDK images.").UsageWriter(os.Stdout)
	app.Version(version.Print("symbolserver"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	serverCmd := app.Command("server", "Run the symbol server.")
	serverParams := addServerParams(serverCmd)

	lookupCmd := app.Command("lookup", "Resolve addresses against a running symbol server.")
	lookupParams := addLookupParams(lookupCmd)

	sdksCmd := app.Command("sdks", "List the SDKs known to a running symbol server.")
	sdksParams := addSdksParams(sdksCmd)

	memdbCmd := app.Command("memdb", "Operate on SDK database files.")
	memdbBuildCmd := memdbCmd.Command("build", "Build an SDK database from symbol listings.")
	memdbBuildParams := addMemdbBuildParams(memdbBuildCmd)
	memdbInspectCmd := memdbCmd.Command("inspect", "Print the images of an SDK database.")
	memdbInspectParams := addMemdbInspectParams(memdbInspectCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case serverCmd.FullCommand():
		if err := runServer(ctx, serverParams); err != nil {
			os.Exit(checkError(err))
		}
	case lookupCmd.FullCommand():
		if err := lookup(ctx, lookupParams); err != nil {
			os.Exit(checkError(err))
		}
	case sdksCmd.FullCommand():
		if err := listSdks(ctx, sdksParams); err != nil {
			os.Exit(checkError(err))
		}
	case memdbBuildCmd.FullCommand():
		if err := memdbBuild(ctx, memdbBuildParams); err != nil {
			os.Exit(checkError(err))
		}
	case memdbInspectCmd.FullCommand():
		if err := memdbInspect(memdbInspectParams); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
