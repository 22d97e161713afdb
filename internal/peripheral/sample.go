package peripheral

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bluez"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/gatt"
)

const (
	DefaultServiceUUID = "23500001-da00-49ad-9923-296889f1d83d"
	DefaultRxUUID      = "23500002-da00-49ad-9923-296889f1d83d"
	DefaultLocalName   = "blepd"

	advertisementNode = "le_advertisement"
)

// SampleOptions describes the sample peripheral: one primary service with a
// single write-without-response "rx" characteristic.
type SampleOptions struct {
	ApplicationPath   dbus.ObjectPath
	ServiceUUID       string
	RxUUID            string
	LocalName         string
	AdvertisementType bluez.AdvertisementType
	CaptureCapacity   int
}

func (o *SampleOptions) setDefaults() {
	if o.ServiceUUID == "" {
		o.ServiceUUID = DefaultServiceUUID
	}
	if o.RxUUID == "" {
		o.RxUUID = DefaultRxUUID
	}
	if o.LocalName == "" {
		o.LocalName = DefaultLocalName
	}
	if o.AdvertisementType == "" {
		o.AdvertisementType = bluez.AdvertisementPeripheral
	}
}

// NewSample builds the sample peripheral on controller. Values written to the
// rx characteristic are logged and kept in the peripheral's Capture.
func NewSample(transport bus.Transport, controller *bluez.Controller, opts SampleOptions, logger *logrus.Logger) (*Peripheral, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts.setDefaults()

	app, err := gatt.NewApplication(transport, opts.ApplicationPath, logger)
	if err != nil {
		return nil, err
	}
	svc, err := app.AddService(opts.ServiceUUID, true)
	if err != nil {
		return nil, err
	}

	capture := NewCapture(opts.CaptureCapacity)
	sink := gatt.ValueSinkFunc(func(uuid string, value []byte) {
		capture.Record(value)
		logger.WithFields(logrus.Fields{
			"uuid": uuid,
			"len":  len(value),
		}).Infof("Value changed: %s", printable(value))
	})
	if _, err := app.AddCharacteristic(svc, opts.RxUUID, gatt.FlagWriteWithoutResponse, sink); err != nil {
		return nil, err
	}

	adv := bluez.NewAdvertisement(transport, childPath(opts.ApplicationPath, advertisementNode), logger)
	adv.SetType(opts.AdvertisementType)
	adv.SetServiceUUIDs(opts.ServiceUUID)
	adv.SetLocalName(opts.LocalName)

	p, err := New(Options{
		Name:          opts.LocalName,
		Application:   app,
		Advertisement: adv,
		Controller:    controller,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	p.capture = capture
	return p, nil
}

// printable renders value as text, replacing non-printable bytes with '.'.
func printable(value []byte) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, c := range value {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func childPath(parent dbus.ObjectPath, name string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimSuffix(string(parent), "/") + "/" + name)
}
