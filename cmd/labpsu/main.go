package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/labpsu/cmd/labpsu/cli"
	"github.com/temoto/labpsu/cmd/labpsu/serve"
	"github.com/temoto/labpsu/cmd/labpsu/sim"
	"github.com/temoto/labpsu/cmd/labpsu/subcmd"
	"github.com/temoto/labpsu/internal/state"
	"github.com/temoto/labpsu/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	serve.Mod,
	cli.Mod,
	sim.Mod,
}

func main() {
	flagset := flag.NewFlagSet("labpsu", flag.ContinueOnError)
	configPath := flagset.String("config", "labpsu.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "usage: labpsu [-config labpsu.hcl] command\n%s", subcmd.Usage(modules))
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	logFlags := log2.LInteractiveFlags
	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		logFlags = log2.LServiceFlags
	}
	log.SetFlags(logFlags)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	plog, closer := config.NewLog(os.Stderr, logFlags)
	if closer != nil {
		defer closer.Close()
	}
	ctx, _ := state.NewContext(plog)
	if err := mod.Main(ctx, config); err != nil {
		plog.Errorf("%s", errors.ErrorStack(err))
		if closer != nil {
			closer.Close()
		}
		os.Exit(1)
	}
}
