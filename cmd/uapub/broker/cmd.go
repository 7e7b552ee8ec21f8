// Standalone broker mode. Listens on mqtt.broker_url and relays every
// PUBLISH to matching subscriptions. Lets publishers and subscribers
// meet without external MQTT infrastructure.
package broker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/induslab/uapub/cmd/uapub/subcmd"
	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/log2"
	"github.com/induslab/uapub/mqtt"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
)

var Mod = subcmd.Mod{Name: "broker", Main: Main}

func Main(ctx context.Context, config *pubsub_config.Config, log *log2.Log) error {
	var srv *mqtt.Server
	srv = mqtt.NewServer(mqtt.ServerOptions{
		Log:       log,
		OnConnect: newConnectFunc(config),
		OnPublish: func(ctx context.Context, msg *packet.Message, ack *future.Future) error {
			ack.Complete(nil)
			if err := srv.Publish(ctx, msg); err != nil && err != mqtt.ErrNoSubscribers {
				return err
			}
			return nil
		},
	})

	err := srv.Listen(ctx, []*mqtt.BackendOptions{{
		URL:            config.MQTT.BrokerURL,
		NetworkTimeout: helpers.IntSecondDefault(config.MQTT.NetworkTimeoutSec, 30*time.Second),
	}})
	if err != nil {
		return errors.Annotatef(err, "broker listen url=%s", config.MQTT.BrokerURL)
	}
	log.Infof("broker is ready addrs=%v", srv.Addrs())
	subcmd.SdNotify(daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigch:
		log.Infof("broker stopping signal=%v", sig)
	case <-ctx.Done():
		log.Infof("broker stopping err=%v", ctx.Err())
	}
	return srv.Close()
}

// Empty mqtt.username in config allows all clients.
func newConnectFunc(config *pubsub_config.Config) mqtt.ConnectFunc {
	if config.MQTT.Username == "" {
		return func(ctx context.Context, opt *mqtt.BackendOptions, pkt *packet.Connect) (bool, error) {
			return true, nil
		}
	}
	user, pass := config.MQTT.Username, config.MQTT.Password
	return func(ctx context.Context, opt *mqtt.BackendOptions, pkt *packet.Connect) (bool, error) {
		return pkt.Username == user && pkt.Password == pass, nil
	}
}
