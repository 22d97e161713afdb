package bluez_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blepd/internal/bluez"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
	"github.com/srg/blepd/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	controllerPath dbus.ObjectPath = "/org/bluez/hci0"
	appPath        dbus.ObjectPath = "/org/example/app"
	advPath        dbus.ObjectPath = "/org/example/app/le_advertisement"
	serviceUUID                    = "23500001-da00-49ad-9923-296889f1d83d"
)

var errRejected = errors.New("rejected by bus")

// failCalls makes fire-and-forget sends of iface.member fail.
func failCalls(iface, member string) testutils.SendFunc {
	return func(msg *dbus.Message) error {
		if bus.NewMessageInfo(msg).IsMethodCall(iface, member) {
			return errRejected
		}
		return nil
	}
}

type BluezTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	conn       *testutils.FakeConn
	engine     *bus.Engine
	controller *bluez.Controller
}

func (suite *BluezTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.conn = testutils.NewFakeConn()
	suite.engine = suite.helper.StartEngine(suite.conn)
	suite.controller = bluez.NewController(suite.engine, controllerPath, suite.helper.Logger)
	bus.Subscribe(suite.engine, suite.controller.Advertising)
}

func (suite *BluezTestSuite) newAdvertisement() *bluez.Advertisement {
	adv := bluez.NewAdvertisement(suite.engine, advPath, suite.helper.Logger)
	adv.SetServiceUUIDs(serviceUUID)
	adv.SetLocalName("blepd")
	return adv
}

func (suite *BluezTestSuite) TestGattManager() {
	// GOAL: Verify application (un)registration issues one GattManager1 call and converts failures into RegistrationError
	//
	// TEST SCENARIO: Register/unregister → calls on controller path with app path → failing send → typed error

	suite.Run("register and unregister", func() {
		suite.conn.Reset()
		suite.Require().NoError(suite.controller.Gatt.RegisterApplication(appPath))
		suite.Require().NoError(suite.controller.Gatt.UnregisterApplication(appPath))

		reg := suite.conn.SentCalls(codec.GattManagerInterface, codec.RegisterApplication)
		suite.Require().Len(reg, 1, "MUST send exactly one RegisterApplication")
		info := bus.NewMessageInfo(reg[0])
		suite.Assert().Equal(controllerPath, info.Path)
		suite.Assert().Equal(codec.BluezBusName, info.Destination)

		path, err := codec.ReadObjectPath(reg[0].Body, 0)
		suite.Require().NoError(err)
		suite.Assert().Equal(appPath, path)
		options, err := codec.ReadDict(reg[0].Body, 1)
		suite.Require().NoError(err)
		suite.Assert().Empty(options, "options MUST be an empty dictionary")

		unreg := suite.conn.SentCalls(codec.GattManagerInterface, codec.UnregisterApplication)
		suite.Require().Len(unreg, 1)
		suite.Assert().Len(unreg[0].Body, 1, "UnregisterApplication MUST only carry the path")
	})

	suite.Run("transport failure", func() {
		suite.conn.OnSend(failCalls(codec.GattManagerInterface, codec.RegisterApplication))
		defer suite.conn.OnSend(nil)

		err := suite.controller.Gatt.RegisterApplication(appPath)

		suite.Require().Error(err)
		var regErr *bluez.RegistrationError
		suite.Require().ErrorAs(err, &regErr)
		suite.Assert().Equal(appPath, regErr.Path)
		suite.Assert().ErrorIs(err, bus.ErrRegistration)
		suite.Assert().ErrorIs(err, bus.ErrTransport, "cause MUST stay visible")
		suite.Assert().Contains(err.Error(), errRejected.Error())
	})
}

func (suite *BluezTestSuite) TestAdvertisementProperties() {
	// GOAL: Verify the advertisement serialises the mandatory properties always and optional ones only when set
	//
	// TEST SCENARIO: Fresh advertisement → 3 properties; set optional values → encoded with the BlueZ types

	adv := suite.newAdvertisement()

	props := adv.Properties()
	suite.Assert().Len(props, 3)
	typ, err := codec.Property[string](props, "Type")
	suite.Require().NoError(err)
	suite.Assert().Equal("peripheral", typ)
	uuids, err := codec.Property[[]string](props, "ServiceUUIDs")
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{serviceUUID}, uuids)

	adv.SetManufacturerData(0xffff, []byte{1, 2})
	adv.SetServiceData("180d", []byte{3})
	adv.SetIncludes("tx-power")
	adv.SetAppearance(0x0340)
	adv.SetTimeout(30)

	props = adv.Properties()
	md, err := codec.Property[map[uint16]dbus.Variant](props, "ManufacturerData")
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte{1, 2}, md[0xffff].Value())
	sd, err := codec.Property[map[string]dbus.Variant](props, "ServiceData")
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte{3}, sd["180d"].Value())
	appearance, err := codec.Property[uint16](props, "Appearance")
	suite.Require().NoError(err)
	suite.Assert().Equal(uint16(0x0340), appearance)
	suite.Assert().Contains(props, "Timeout")
	suite.Assert().NotContains(props, "Duration", "unset optional properties MUST be omitted")

	adv.SetManufacturerData(0xffff, nil)
	suite.Assert().NotContains(adv.Properties(), "ManufacturerData")

	_, err = bluez.ParseAdvertisementType("broadcast")
	suite.Assert().NoError(err)
	_, err = bluez.ParseAdvertisementType("scannable")
	suite.Assert().Error(err)
}

func (suite *BluezTestSuite) TestRegisterAdvertisement() {
	// GOAL: Verify registration sends path plus properties, tracks the advertisement and serves BlueZ callbacks
	//
	// TEST SCENARIO: Register → RegisterAdvertisement sent → GetAll / GetManagedObjects on its path answered → Unregister forgets it

	adv := suite.newAdvertisement()

	suite.Require().NoError(suite.controller.Advertising.Register(adv))
	suite.Assert().True(adv.Registered())
	suite.Assert().True(suite.controller.Advertising.Tracked(adv))

	calls := suite.conn.SentCalls(codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement)
	suite.Require().Len(calls, 1)
	path, err := codec.ReadObjectPath(calls[0].Body, 0)
	suite.Require().NoError(err)
	suite.Assert().Equal(advPath, path)
	props, err := codec.ReadDict(calls[0].Body, 1)
	suite.Require().NoError(err)
	name, err := codec.Property[string](props, "LocalName")
	suite.Require().NoError(err)
	suite.Assert().Equal("blepd", name)

	suite.Run("GetAll", func() {
		suite.conn.Reset()
		d, err := suite.conn.Call(advPath, codec.PropertiesInterface, codec.GetAll, codec.LEAdvertisementInterface)
		suite.Require().NoError(err)
		suite.Assert().Equal(bus.Consumed, d)

		reply := suite.conn.LastReply()
		suite.Require().NotNil(reply)
		got, err := codec.ReadDict(reply.Body, 0)
		suite.Require().NoError(err)
		suite.Assert().Equal(adv.Properties(), got)
	})

	suite.Run("GetAll unknown interface", func() {
		suite.conn.Reset()
		_, err := suite.conn.Call(advPath, codec.PropertiesInterface, codec.GetAll, "org.example.Nope")
		suite.Require().NoError(err)
		reply := suite.conn.LastReply()
		suite.Require().NotNil(reply)
		suite.Assert().Equal(dbus.TypeError, reply.Type)
	})

	suite.Run("GetManagedObjects", func() {
		suite.conn.Reset()
		_, err := suite.conn.Call(advPath, codec.ObjectManagerInterface, codec.GetManagedObjects)
		suite.Require().NoError(err)

		objects, err := codec.ReadManagedObjects(suite.conn.LastReply().Body, 0)
		suite.Require().NoError(err)
		suite.Assert().Equal(adv.ManagedObjects().Plain(), objects.Plain())
	})

	suite.Run("other paths released", func() {
		d, err := suite.conn.Call("/org/example/other", codec.PropertiesInterface, codec.GetAll, codec.LEAdvertisementInterface)
		suite.Require().NoError(err)
		suite.Assert().Equal(bus.Released, d)
	})

	suite.Require().NoError(suite.controller.Advertising.Unregister(adv))
	suite.Assert().False(adv.Registered())
	suite.Assert().False(suite.controller.Advertising.Tracked(adv), "unregistered advertisement MUST be forgotten")
	suite.Assert().Len(suite.conn.SentCalls(codec.LEAdvertisingManagerInterface, codec.UnregisterAdvertisement), 1)
}

// stalledController returns a controller over an engine with a short send
// timeout whose sends of iface.member hang until the test ends.
func (suite *BluezTestSuite) stalledController(iface, member string) (*bus.Engine, *testutils.FakeConn, *bluez.Controller) {
	conn := testutils.NewFakeConn()
	engine := bus.NewEngine(bus.Options{
		Dial:             conn.Dial,
		HandshakeTimeout: time.Second,
		SendTimeout:      20 * time.Millisecond,
		ReplyTimeout:     time.Second,
		Logger:           suite.helper.Logger,
	})
	suite.Require().NoError(engine.Start(context.Background()))
	suite.T().Cleanup(func() { _ = engine.Stop() })

	stall := make(chan struct{})
	suite.T().Cleanup(func() { close(stall) })
	conn.OnSend(func(msg *dbus.Message) error {
		if bus.NewMessageInfo(msg).IsMethodCall(iface, member) {
			<-stall
		}
		return nil
	})

	controller := bluez.NewController(engine, controllerPath, suite.helper.Logger)
	bus.Subscribe(engine, controller.Advertising)
	return engine, conn, controller
}

func (suite *BluezTestSuite) TestRegisterFailure() {
	// GOAL: Verify a failed registration is reported and tracked only when BlueZ may have received it
	//
	// TEST SCENARIO: Send refused → RegistrationError, untracked; send timed out → RegistrationError, tracked

	suite.Run("refused", func() {
		suite.conn.OnSend(failCalls(codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement))
		defer suite.conn.OnSend(nil)
		adv := suite.newAdvertisement()

		err := suite.controller.Advertising.Register(adv)

		suite.Assert().ErrorIs(err, bus.ErrRegistration)
		suite.Assert().False(adv.Registered())
		suite.Assert().False(suite.controller.Advertising.Tracked(adv), "a call that never left MUST NOT be tracked")
	})

	suite.Run("timed out", func() {
		engine, _, controller := suite.stalledController(codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement)
		adv := bluez.NewAdvertisement(engine, advPath, suite.helper.Logger)

		err := controller.Advertising.Register(adv)

		suite.Assert().ErrorIs(err, bus.ErrRegistration)
		suite.Assert().ErrorIs(err, bus.ErrCommandTimeout)
		suite.Assert().False(adv.Registered())
		suite.Assert().True(controller.Advertising.Tracked(adv), "a call BlueZ may hold MUST stay tracked")
	})
}

func (suite *BluezTestSuite) TestControllerClose() {
	// GOAL: Verify controller teardown withdraws every registration BlueZ may still hold
	//
	// TEST SCENARIO: Application and advertisement registered, nothing unregistered → Close → both withdrawn, nothing tracked

	adv := suite.newAdvertisement()
	suite.Require().NoError(suite.controller.Gatt.RegisterApplication(appPath))
	suite.Require().NoError(suite.controller.Advertising.Register(adv))
	suite.Assert().True(suite.controller.Gatt.Registered(appPath))

	suite.Require().NoError(suite.controller.Close())

	suite.Assert().Len(suite.conn.SentCalls(codec.LEAdvertisingManagerInterface, codec.UnregisterAdvertisement), 1)
	suite.Assert().Len(suite.conn.SentCalls(codec.GattManagerInterface, codec.UnregisterApplication), 1)
	suite.Assert().False(suite.controller.Gatt.Registered(appPath))
	suite.Assert().Zero(suite.controller.Advertising.Len())

	suite.conn.Reset()
	suite.Require().NoError(suite.controller.Close())
	suite.Assert().Empty(suite.conn.Sent(), "second Close MUST have nothing left to withdraw")

	suite.Run("refused application is not withdrawn", func() {
		suite.conn.OnSend(failCalls(codec.GattManagerInterface, codec.RegisterApplication))
		defer suite.conn.OnSend(nil)

		suite.Require().Error(suite.controller.Gatt.RegisterApplication(appPath))
		suite.Assert().False(suite.controller.Gatt.Registered(appPath))
	})
}

func (suite *BluezTestSuite) TestUnregisterRejected() {
	// GOAL: Verify an error reply to UnregisterAdvertisement becomes a RegistrationError
	//
	// TEST SCENARIO: BlueZ answers DoesNotExist → error returned → advertisement forgotten anyway

	suite.conn.OnSendWithReply(func(_ context.Context, msg *dbus.Message) (*dbus.Message, error) {
		return codec.ErrorReply(msg, "org.bluez.Error.DoesNotExist", "unknown advertisement"), nil
	})
	adv := suite.newAdvertisement()
	suite.Require().NoError(suite.controller.Advertising.Register(adv))

	err := suite.controller.Advertising.Unregister(adv)

	suite.Require().ErrorIs(err, bus.ErrRegistration)
	suite.Assert().Contains(err.Error(), "DoesNotExist")
	suite.Assert().Zero(suite.controller.Advertising.Len())
}

func (suite *BluezTestSuite) TestPropertyChanges() {
	// GOAL: Verify mutations of a registered advertisement are published with PropertiesChanged
	//
	// TEST SCENARIO: Mutate before registration → no signal; register → mutate → one signal per change with the new value

	adv := suite.newAdvertisement()
	suite.Assert().Empty(suite.conn.SentOfType(dbus.TypeSignal), "MUST stay silent before registration")

	suite.Require().NoError(suite.controller.Advertising.Register(adv))
	suite.conn.Reset()

	adv.SetLocalName("renamed")

	signals := suite.conn.SentOfType(dbus.TypeSignal)
	suite.Require().Len(signals, 1)
	info := bus.NewMessageInfo(signals[0])
	suite.Assert().Equal(advPath, info.Path)
	suite.Assert().Equal(codec.PropertiesChanged, info.Member)

	iface, err := codec.ReadString(signals[0].Body, 0)
	suite.Require().NoError(err)
	suite.Assert().Equal(codec.LEAdvertisementInterface, iface)
	changed, err := codec.ReadDict(signals[0].Body, 1)
	suite.Require().NoError(err)
	name, err := codec.Property[string](changed, "LocalName")
	suite.Require().NoError(err)
	suite.Assert().Equal("renamed", name)

	suite.Run("removed property is invalidated", func() {
		adv.SetSolicitUUIDs()
		signals := suite.conn.SentOfType(dbus.TypeSignal)
		suite.Require().Len(signals, 2)
		invalidated, err := codec.ReadStrings(signals[1].Body, 2)
		suite.Require().NoError(err)
		suite.Assert().Equal([]string{"SolicitUUIDs"}, invalidated)
	})
}

func (suite *BluezTestSuite) TestRelease() {
	// GOAL: Verify BlueZ's Release callback marks the advertisement unregistered and untracks it
	//
	// TEST SCENARIO: Register → Release call → reply sent → Registered false, untracked, later mutations silent

	adv := suite.newAdvertisement()
	suite.Require().NoError(suite.controller.Advertising.Register(adv))

	d, err := suite.conn.Call(advPath, codec.LEAdvertisementInterface, codec.Release)
	suite.Require().NoError(err)
	suite.Assert().Equal(bus.Consumed, d)
	suite.Assert().False(adv.Registered())
	suite.Assert().False(suite.controller.Advertising.Tracked(adv), "released advertisement MUST be forgotten")

	suite.conn.Reset()
	adv.SetLocalName("after-release")
	suite.Assert().Empty(suite.conn.SentOfType(dbus.TypeSignal))

	suite.Run("after unregister", func() {
		suite.Require().NoError(suite.controller.Advertising.Register(adv))
		suite.Require().NoError(suite.controller.Advertising.Unregister(adv))

		d, err := suite.conn.Call(advPath, codec.LEAdvertisementInterface, codec.Release)
		suite.Require().NoError(err)
		suite.Assert().Equal(bus.Consumed, d, "Release following UnregisterAdvertisement MUST still be answered")

		d, err = suite.conn.Call(advPath, codec.LEAdvertisementInterface, codec.Release)
		suite.Require().NoError(err)
		suite.Assert().Equal(bus.Released, d, "only the first Release MUST be answered")

		d, err = suite.conn.Call(advPath, codec.PropertiesInterface, codec.GetAll, codec.LEAdvertisementInterface)
		suite.Require().NoError(err)
		suite.Assert().Equal(bus.Released, d, "unregistered advertisement MUST NOT serve properties")
	})
}

func (suite *BluezTestSuite) TestDetachedAdvertisement() {
	// GOAL: Verify an advertisement without a transport answers calls without replying
	//
	// TEST SCENARIO: nil transport → GetAll / Release handled → no panic

	adv := bluez.NewAdvertisement(nil, advPath, suite.helper.Logger)
	msg := codec.MethodCall("", advPath, codec.PropertiesInterface, codec.GetAll, codec.LEAdvertisementInterface)

	var r bus.HandleResult
	suite.Require().NotPanics(func() {
		r = adv.HandleMessage(context.Background(), bus.NewMessageInfo(msg), msg)
	})
	suite.Assert().Equal(bus.Handled, r)
}

func (suite *BluezTestSuite) TestClose() {
	// GOAL: Verify Close unregisters every tracked advertisement
	//
	// TEST SCENARIO: Register two → Close → two UnregisterAdvertisement calls → none tracked

	first := suite.newAdvertisement()
	second := bluez.NewAdvertisement(suite.engine, advPath+"2", suite.helper.Logger)
	suite.Require().NoError(suite.controller.Advertising.Register(first))
	suite.Require().NoError(suite.controller.Advertising.Register(second))

	suite.Require().NoError(suite.controller.Advertising.Close())

	suite.Assert().Len(suite.conn.SentCalls(codec.LEAdvertisingManagerInterface, codec.UnregisterAdvertisement), 2)
	suite.Assert().Zero(suite.controller.Advertising.Len())
}

func TestBluezTestSuite(t *testing.T) {
	suite.Run(t, new(BluezTestSuite))
}
