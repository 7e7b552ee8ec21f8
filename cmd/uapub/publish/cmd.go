// One-shot publisher. Arguments after the command are name=value pairs
// sent as a single DataSet:
//
//	uapub publish temperature=21.5 running=true station=press-7
//
// Values are inferred in order: true/false, integer, float, string.
package publish

import (
	"context"
	"flag"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/induslab/uapub/cmd/uapub/subcmd"
	"github.com/induslab/uapub/log2"
	"github.com/induslab/uapub/pubsub"
	pubsub_config "github.com/induslab/uapub/pubsub/config"
	"github.com/induslab/uapub/ua"
)

var Mod = subcmd.Mod{Name: "publish", Main: Main}
var JSONMod = subcmd.Mod{Name: "publish-json", Main: MainJSON}

func Main(ctx context.Context, config *pubsub_config.Config, log *log2.Log) error {
	pub, fields, err := setup(ctx, config, log)
	if err != nil {
		return errors.Trace(err)
	}
	defer pub.Close()

	writerID := uint16(config.Publisher.WriterID)
	if config.Publisher.FieldEncoding == "rawdata" {
		// RawData is not decodable without a schema, announce it first
		if err := pub.PublishMeta(writerID, ua.MetaFor(config.Publisher.ID, fields)); err != nil {
			return errors.Trace(err)
		}
	}
	if err := pub.Publish(writerID, fields); err != nil {
		return errors.Trace(err)
	}
	log.Infof("published writer=%d fields=%d bytes=%d", writerID, len(fields), pub.Stat().BytesSent)
	return nil
}

func MainJSON(ctx context.Context, config *pubsub_config.Config, log *log2.Log) error {
	pub, fields, err := setup(ctx, config, log)
	if err != nil {
		return errors.Trace(err)
	}
	defer pub.Close()

	writerID := uint16(config.Publisher.WriterID)
	if err := pub.PublishJSON(writerID, fields); err != nil {
		return errors.Trace(err)
	}
	log.Infof("published json writer=%d fields=%d bytes=%d", writerID, len(fields), pub.Stat().BytesSent)
	return nil
}

func setup(ctx context.Context, config *pubsub_config.Config, log *log2.Log) (*pubsub.Publisher, []ua.Field, error) {
	fields, err := parseFields(flag.Args()[1:])
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if len(fields) == 0 {
		return nil, nil, errors.Errorf("nothing to publish, want arguments name=value")
	}

	transport, err := pubsub.NewTransport(*config)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	pub, err := pubsub.NewPublisher(*config, log, transport)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := pub.Connect(ctx); err != nil {
		return nil, nil, errors.Annotate(err, "publish connect")
	}
	return pub, fields, nil
}

func parseFields(args []string) ([]ua.Field, error) {
	fields := make([]ua.Field, 0, len(args))
	for _, arg := range args {
		eq := strings.IndexByte(arg, '=')
		if eq <= 0 {
			return nil, errors.NotValidf("argument=%s want name=value", arg)
		}
		fields = append(fields, ua.Field{
			Name:  arg[:eq],
			Value: inferValue(arg[eq+1:]),
		})
	}
	return fields, nil
}

func inferValue(s string) ua.Variant {
	switch s {
	case "true":
		return ua.Bool(true)
	case "false":
		return ua.Bool(false)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return ua.Infer(int(n))
		}
		return ua.Int64(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ua.Double(f)
	}
	return ua.String(s)
}
