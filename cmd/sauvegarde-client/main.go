// sauvegarde-client is the backup agent: it carves the configured
// directories, watches them for changes, and feeds metadata and block
// hashes to the remote storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sauvegarde/sauvegarde/internal/config"
	"github.com/sauvegarde/sauvegarde/internal/env"
	"github.com/sauvegarde/sauvegarde/internal/lifecycle"
	"github.com/sauvegarde/sauvegarde/internal/trace"
)

var (
	configFile = flag.String("config", env.DefaultConfigFile(), "path to the client configuration file")
	debug      = flag.Bool("debug", false, "enable debug logging")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	tracefile  = flag.String("tracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")

	dirList   = flag.String("directory-list", "", "colon-separated directories to back up (overrides the config file)")
	blocksize = flag.Int64("blocksize", 0, "block size in bytes for hashing (overrides the config file)")
	dircache  = flag.String("dircache", "", "local cache directory (overrides the config file)")
	dbname    = flag.String("dbname", "", "local hash database filename (overrides the config file)")
	server    = flag.String("server", "", "server host (overrides the config file)")
	port      = flag.Int("port", 0, "server port (overrides the config file)")
)

func newLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if isatty.IsTerminal(os.Stderr.Fd()) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if *debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
	}

	var ov config.Overrides
	if *dirList != "" {
		ov.DirnameList = config.SplitDirList(*dirList)
	}
	ov.Blocksize = *blocksize
	ov.Dircache = *dircache
	ov.DBName = *dbname
	ov.Host = *server
	ov.Port = *port

	cfg, err := config.Load(*configFile, ov)
	if err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	err = lifecycle.Run(context.Background(), cfg, log)

	if *memprofile != "" {
		f, cerr := os.Create(*memprofile)
		if cerr != nil {
			return cerr
		}
		defer f.Close()
		if perr := pprof.WriteHeapProfile(f); perr != nil {
			return perr
		}
	}
	return err
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintf(os.Stderr, "sauvegarde-client: %v\n", err)
		os.Exit(1)
	}
}
