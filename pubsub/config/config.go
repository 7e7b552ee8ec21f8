// Package pubsub_config carries the runtime configuration for the PubSub
// facades: publisher identity and framing toggles, MQTT topics and broker
// access. Files are HCL; values absent from the file keep their defaults.
package pubsub_config

import (
	"io/ioutil"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/induslab/uapub/helpers"
	"github.com/induslab/uapub/log2"
)

type Config struct { //nolint:maligned
	Publisher struct {
		// ID is the publisher identity on the wire. With Numeric it must
		// parse as an unsigned integer and is encoded in the narrowest
		// UADP selector; otherwise it travels as a UA string.
		ID            string `hcl:"id"`
		Numeric       bool   `hcl:"numeric"`
		WriterID      int    `hcl:"writer_id"`
		WriterGroupID int    `hcl:"writer_group_id"`
		GroupHeader   bool   `hcl:"group_header"`
		PayloadHeader bool   `hcl:"payload_header"`
		Minimal       bool   `hcl:"minimal"`
		FieldEncoding string `hcl:"field_encoding"` // variant|rawdata|datavalue
	} `hcl:"publisher"`

	Topic struct {
		UADP string `hcl:"uadp"`
		JSON string `hcl:"json"`
		Meta string `hcl:"meta"`
	} `hcl:"topic"`

	MQTT struct {
		// Transport picks the client implementation: gomqtt (in-tree
		// client) or paho.
		Transport         string `hcl:"transport"`
		BrokerURL         string `hcl:"broker_url"`
		ClientID          string `hcl:"client_id"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		QOS               int    `hcl:"qos"`
	} `hcl:"mqtt"`

	Log struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`
}

func Default() Config {
	c := Config{}
	c.Publisher.ID = "uapub"
	c.Publisher.WriterID = 1
	c.Publisher.WriterGroupID = 1
	c.Publisher.GroupHeader = true
	c.Publisher.PayloadHeader = true
	c.Publisher.FieldEncoding = "variant"
	c.Topic.UADP = "opcua/uadp"
	c.Topic.JSON = "opcua/data"
	c.Topic.Meta = "opcua/metadata"
	c.MQTT.Transport = "gomqtt"
	c.MQTT.BrokerURL = "tcp://127.0.0.1:1883"
	c.MQTT.KeepaliveSec = 30
	c.MQTT.NetworkTimeoutSec = 30
	c.MQTT.QOS = 1
	return c
}

// Read parses HCL on top of Default(); keys present in the input override,
// the rest keep default values.
func Read(b []byte, log *log2.Log) (*Config, error) {
	c := Default()
	if err := hcl.Unmarshal(b, &c); err != nil {
		return nil, errors.Annotate(err, "pubsub config parse")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	log.Debugf("pubsub config=%+v", c)
	return &c, nil
}

func ReadFile(path string, log *log2.Log) (*Config, error) {
	if pa, err := filepath.Abs(path); err == nil {
		log.Debugf("pubsub config path=%s abs=%s", path, pa)
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "pubsub config path=%s", path)
	}
	return Read(b, log)
}

func MustReadFile(path string, log *log2.Log) *Config {
	c, err := ReadFile(path, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Validate folds all config errors into one so a bad file reports every
// problem at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.Publisher.ID == "" {
		errs = append(errs, errors.NotValidf("publisher.id empty"))
	}
	if c.Publisher.Numeric {
		if _, err := strconv.ParseUint(c.Publisher.ID, 10, 64); err != nil {
			errs = append(errs, errors.NotValidf("publisher.id=%s numeric", c.Publisher.ID))
		}
	}
	if c.Publisher.WriterID < 0 || c.Publisher.WriterID > 65535 {
		errs = append(errs, errors.NotValidf("publisher.writer_id=%d", c.Publisher.WriterID))
	}
	if c.Publisher.WriterGroupID < 0 || c.Publisher.WriterGroupID > 65535 {
		errs = append(errs, errors.NotValidf("publisher.writer_group_id=%d", c.Publisher.WriterGroupID))
	}
	switch c.Publisher.FieldEncoding {
	case "variant", "rawdata", "datavalue":
	default:
		errs = append(errs, errors.NotValidf("publisher.field_encoding=%s", c.Publisher.FieldEncoding))
	}
	switch c.MQTT.Transport {
	case "", "gomqtt", "paho":
	default:
		errs = append(errs, errors.NotValidf("mqtt.transport=%s", c.MQTT.Transport))
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 1 {
		errs = append(errs, errors.NotValidf("mqtt.qos=%d", c.MQTT.QOS))
	}
	if c.MQTT.KeepaliveSec < 0 || c.MQTT.KeepaliveSec > 65535 {
		errs = append(errs, errors.NotValidf("mqtt.keepalive_sec=%d", c.MQTT.KeepaliveSec))
	}
	return helpers.FoldErrors(errs)
}
