// Subscriber daemon. Decodes inbound UADP frames and logs every DataSet
// until SIGINT/SIGTERM. Optional argument overrides the topic filter:
//
//	uapub subscribe 'opcua/uadp/#'
//
// The metadata topic is always subscribed, so RawData writers become
// decodable as soon as they announce their schema.
package subscribe

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/induslab/uapub/cmd/uapub/subcmd"
	"github.com/induslab/uapub/log2"
	"github.com/induslab/uapub/pubsub"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
	"github.com/induslab/uapub/uadp"
)

var Mod = subcmd.Mod{Name: "subscribe", Main: Main}

func Main(ctx context.Context, config *pubsub_config.Config, log *log2.Log) error {
	transport, err := pubsub.NewTransport(*config)
	if err != nil {
		return errors.Trace(err)
	}
	sub, err := pubsub.NewSubscriber(*config, log, transport)
	if err != nil {
		return errors.Trace(err)
	}
	sub.OnDataSet(func(nm *uadp.NetworkMessage, dsm *uadp.DataSetMessage) {
		for i := range dsm.Fields {
			f := &dsm.Fields[i]
			log.Infof("recv publisher=%s writer=%d seq=%d %s=%s",
				nm.PublisherID.String(), dsm.WriterID, dsm.SequenceNumber, f.Name, f.Value.String())
		}
	})
	sub.OnError(func(err error) { log.Errorf("subscribe %v", err) })

	if err := sub.Connect(ctx); err != nil {
		return errors.Annotate(err, "subscribe connect")
	}
	defer sub.Close()

	if err := sub.Subscribe(flag.Arg(1)); err != nil {
		return errors.Trace(err)
	}
	if err := sub.Subscribe(config.Topic.Meta); err != nil {
		return errors.Trace(err)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigch:
		log.Infof("subscribe stopping signal=%v", sig)
	case <-ctx.Done():
		log.Infof("subscribe stopping err=%v", ctx.Err())
	}
	sub.StatModify(func(s *pubsub.Stat) {
		log.Infof("subscribe stat received=%d decoded=%d errors=%d",
			s.MessagesReceived, s.Decoded, s.DecodeErrors)
	})
	return nil
}
