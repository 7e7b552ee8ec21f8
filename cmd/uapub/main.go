package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/induslab/uapub/cmd/uapub/broker"
	"github.com/induslab/uapub/cmd/uapub/publish"
	"github.com/induslab/uapub/cmd/uapub/subcmd"
	"github.com/induslab/uapub/cmd/uapub/subscribe"
	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	broker.Mod,
	publish.Mod,
	publish.JSONMod,
	subscribe.Mod,
}

func main() {
	flagConfig := flag.String("config", "uapub.hcl", "")
	flagVersion := flag.Bool("version", false, "")
	flag.Parse()
	if *flagVersion {
		fmt.Printf("uapub %s\n", BuildVersion)
		return
	}

	log := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify("start") {
		// under systemd, assume journal logging, remove timestamp
		log.SetFlags(log2.Lshortfile)
	} else {
		log.SetFlags(log2.LStdFlags | log2.Lmicroseconds)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		log.Fatalf("usage: uapub [flags] command\n%v", err)
	}

	config := pubsub_config.MustReadFile(*flagConfig, log)
	if config.Log.Debug {
		log.SetLevel(log2.LDebug)
	}
	log.Debugf("uapub version=%s command=%s", BuildVersion, mod.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mod.Main(ctx, config, log); err != nil {
		subcmd.SdNotify(daemon.SdNotifyStopping)
		log.Fatal(errors.ErrorStack(err))
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
}
