// Support sub-commands in uapub application.
// It's simple but fine so far.
// Can switch to github.com/urfave/cli later.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/induslab/uapub/log2"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

type Mod struct {
	Name string
	Main func(context.Context, *pubsub_config.Config, *log2.Log) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command, want one of: %s", Names(modules))
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s', want one of: %s", command, Names(modules))
	}
	return found, nil
}

func Names(modules []Mod) string {
	ns := make([]string, 0, len(modules))
	for i := range modules {
		ns = append(ns, modules[i].Name)
	}
	return strings.Join(ns, ", ")
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
