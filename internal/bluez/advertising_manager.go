package bluez

import (
	"context"
	"errors"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
)

// AdvertisingManager issues org.bluez.LEAdvertisingManager1 calls for one
// controller and serves the advertisements it registered.
type AdvertisingManager struct {
	path      dbus.ObjectPath
	transport bus.Transport
	logger    *logrus.Logger
	ads       *hashmap.Map[dbus.ObjectPath, *Advertisement]
	// retired holds unregistered advertisements until BlueZ releases them.
	retired *hashmap.Map[dbus.ObjectPath, *Advertisement]
}

// NewAdvertisingManager binds the advertising manager of the controller at
// path. The manager must be subscribed to the engine to answer BlueZ.
func NewAdvertisingManager(transport bus.Transport, path dbus.ObjectPath, logger *logrus.Logger) *AdvertisingManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdvertisingManager{
		path:      path,
		transport: transport,
		logger:    logger,
		ads:       hashmap.New[dbus.ObjectPath, *Advertisement](),
		retired:   hashmap.New[dbus.ObjectPath, *Advertisement](),
	}
}

// Register sends RegisterAdvertisement without awaiting BlueZ's answer.
// adv is tracked before the call goes out since BlueZ reads its properties
// back while registering. It stays tracked when the call may have reached
// BlueZ (a timeout) and is dropped when it was never sent.
func (m *AdvertisingManager) Register(adv *Advertisement) error {
	m.ads.Set(adv.Path(), adv)
	m.retired.Del(adv.Path())

	msg := codec.MethodCall(codec.BluezBusName, m.path, codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement,
		adv.Path(), adv.Properties().Wire())

	r := m.transport.Send(msg, 0)
	log := m.logger.WithFields(logrus.Fields{"controller": m.path, "advertisement": adv.Path()})
	if !r.OK() {
		if !mayHaveReachedBus(r) {
			m.ads.Del(adv.Path())
		}
		log.WithField("result", r).Warn("RegisterAdvertisement failed")
		return registrationError(codec.RegisterAdvertisement, adv.Path(), r)
	}

	adv.registered.Store(true)
	log.Debug("RegisterAdvertisement sent")
	return nil
}

// Unregister sends UnregisterAdvertisement, waits for the reply and stops
// tracking adv whatever the outcome.
func (m *AdvertisingManager) Unregister(adv *Advertisement) error {
	msg := codec.MethodCall(codec.BluezBusName, m.path, codec.LEAdvertisingManagerInterface, codec.UnregisterAdvertisement,
		adv.Path())

	// Release may arrive after the entry is gone.
	m.retired.Set(adv.Path(), adv)
	r, reply := m.transport.SendWithReply(msg, 0)
	m.ads.Del(adv.Path())
	adv.registered.Store(false)

	log := m.logger.WithFields(logrus.Fields{"controller": m.path, "advertisement": adv.Path()})
	if !r.OK() {
		log.WithField("result", r).Warn("UnregisterAdvertisement failed")
		return registrationError(codec.UnregisterAdvertisement, adv.Path(), r)
	}
	if reply != nil && reply.Type == dbus.TypeError {
		rejected := bus.Result{Code: bus.Failure, Detail: replyError(reply)}
		log.WithField("result", rejected).Warn("UnregisterAdvertisement rejected")
		return registrationError(codec.UnregisterAdvertisement, adv.Path(), rejected)
	}

	log.Debug("Advertisement unregistered")
	return nil
}

// Tracked reports whether adv is known to the manager.
func (m *AdvertisingManager) Tracked(adv *Advertisement) bool {
	_, ok := m.ads.Get(adv.Path())
	return ok
}

// Len returns the number of tracked advertisements.
func (m *AdvertisingManager) Len() int {
	return m.ads.Len()
}

// Close unregisters every tracked advertisement.
func (m *AdvertisingManager) Close() error {
	var pending []*Advertisement
	m.ads.Range(func(_ dbus.ObjectPath, adv *Advertisement) bool {
		pending = append(pending, adv)
		return true
	})

	var errs []error
	for _, adv := range pending {
		errs = append(errs, m.Unregister(adv))
	}
	return errors.Join(errs...)
}

// HandleMessage forwards inbound calls to the advertisement owning the path.
// Release untracks the advertisement; it is also answered for advertisements
// unregistered but not yet released.
func (m *AdvertisingManager) HandleMessage(ctx context.Context, info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	release := info.IsMethodCall(codec.LEAdvertisementInterface, codec.Release)

	adv, ok := m.ads.Get(info.Path)
	if !ok {
		if !release {
			return bus.NotHandled
		}
		if adv, ok = m.retired.Get(info.Path); !ok {
			return bus.NotHandled
		}
	}

	r := adv.HandleMessage(ctx, info, msg)
	if release && r != bus.NotHandled {
		m.ads.Del(info.Path)
		m.retired.Del(info.Path)
	}
	return r
}

// mayHaveReachedBus reports whether BlueZ may have received the call behind r.
func mayHaveReachedBus(r bus.Result) bool {
	return r.OK() || r.Code == bus.CommandTimeout
}

func replyError(reply *dbus.Message) string {
	name := ""
	if v, ok := reply.Headers[dbus.FieldErrorName]; ok {
		name, _ = v.Value().(string)
	}
	if text, err := codec.ReadString(reply.Body, 0); err == nil {
		return name + ": " + text
	}
	return name
}
