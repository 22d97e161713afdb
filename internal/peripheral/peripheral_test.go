package peripheral_test

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blepd/internal/bluez"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/codec"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const appPath dbus.ObjectPath = "/io/blepd/test"

type PeripheralTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	conn       *testutils.FakeConn
	engine     *bus.Engine
	peripheral *peripheral.Peripheral
}

func (suite *PeripheralTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.conn = testutils.NewFakeConn()
	suite.engine = suite.helper.StartEngine(suite.conn)

	controller := bluez.NewController(suite.engine, bluez.DefaultControllerPath, suite.helper.Logger)
	p, err := peripheral.NewSample(suite.engine, controller, peripheral.SampleOptions{
		ApplicationPath: appPath,
		CaptureCapacity: 8,
	}, suite.helper.Logger)
	suite.Require().NoError(err)

	bus.Subscribe(suite.engine, p)
	suite.peripheral = p
}

func (suite *PeripheralTestSuite) calls(iface, member string) int {
	return len(suite.conn.SentCalls(iface, member))
}

// failOn makes sends of iface.member fail at the transport.
func (suite *PeripheralTestSuite) failOn(iface, member string) {
	suite.conn.OnSend(func(msg *dbus.Message) error {
		if bus.NewMessageInfo(msg).IsMethodCall(iface, member) {
			return errors.New("bus refused " + member)
		}
		return nil
	})
}

func (suite *PeripheralTestSuite) TestStart() {
	// GOAL: Verify Start registers application and advertisement once and is idempotent while running
	//
	// TEST SCENARIO: Start twice → one RegisterApplication, one RegisterAdvertisement → state Running

	suite.Require().NoError(suite.peripheral.Start())
	suite.Require().NoError(suite.peripheral.Start())

	suite.Assert().Equal(peripheral.StateRunning, suite.peripheral.State())
	suite.Assert().Equal(1, suite.calls(codec.GattManagerInterface, codec.RegisterApplication), "second Start MUST NOT register again")
	suite.Assert().Equal(1, suite.calls(codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement))
	suite.Assert().True(suite.peripheral.Advertisement().Registered())
}

func (suite *PeripheralTestSuite) TestStartFailure() {
	// GOAL: Verify failed registrations leave the peripheral in Error with nothing half-registered
	//
	// TEST SCENARIO: Application refused → Error, no advertisement; advertisement refused → Error, application withdrawn

	suite.Run("application refused", func() {
		suite.conn.Reset()
		suite.failOn(codec.GattManagerInterface, codec.RegisterApplication)
		defer suite.conn.OnSend(nil)

		err := suite.peripheral.Start()

		suite.Assert().ErrorIs(err, bus.ErrRegistration)
		suite.Assert().Equal(peripheral.StateError, suite.peripheral.State())
		suite.Assert().Zero(suite.calls(codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement),
			"advertisement MUST NOT be registered after the application failed")
	})

	suite.Run("advertisement refused", func() {
		suite.conn.Reset()
		suite.failOn(codec.LEAdvertisingManagerInterface, codec.RegisterAdvertisement)
		defer suite.conn.OnSend(nil)

		err := suite.peripheral.Start()

		suite.Assert().ErrorIs(err, bus.ErrRegistration)
		suite.Assert().Equal(peripheral.StateError, suite.peripheral.State())
		suite.Assert().Equal(1, suite.calls(codec.GattManagerInterface, codec.UnregisterApplication),
			"application registration MUST be rolled back")
	})

	suite.Run("recovers from error", func() {
		suite.Require().NoError(suite.peripheral.Start())
		suite.Assert().Equal(peripheral.StateRunning, suite.peripheral.State())
	})
}

func (suite *PeripheralTestSuite) TestStop() {
	// GOAL: Verify Stop withdraws both registrations best-effort and always ends Stopped
	//
	// TEST SCENARIO: Stop while stopped → no calls; Start → Stop with a failing unregister → both attempted, Stopped

	suite.Require().NoError(suite.peripheral.Stop())
	suite.Assert().Empty(suite.conn.Sent(), "Stop MUST be a no-op unless running")

	suite.Require().NoError(suite.peripheral.Start())
	suite.failOn(codec.GattManagerInterface, codec.UnregisterApplication)

	err := suite.peripheral.Stop()

	suite.Assert().ErrorIs(err, bus.ErrRegistration)
	suite.Assert().Equal(peripheral.StateStopped, suite.peripheral.State())
	suite.Assert().Equal(1, suite.calls(codec.LEAdvertisingManagerInterface, codec.UnregisterAdvertisement),
		"advertisement MUST be unregistered even when the application was not")
	suite.Assert().False(suite.peripheral.Advertisement().Registered())
}

func (suite *PeripheralTestSuite) TestDispatchChain() {
	// GOAL: Verify BlueZ callbacks reach characteristic, advertisement and root handlers through one subscriber
	//
	// TEST SCENARIO: Start → GetManagedObjects on root, GetAll on advertisement, WriteValue on rx → each answered, bytes captured

	suite.Require().NoError(suite.peripheral.Start())
	app := suite.peripheral.Application()

	suite.conn.Reset()
	d, err := suite.conn.Call(appPath, codec.ObjectManagerInterface, codec.GetManagedObjects)
	suite.Require().NoError(err)
	suite.Assert().Equal(bus.Consumed, d)
	objects, err := codec.ReadManagedObjects(suite.conn.LastReply().Body, 0)
	suite.Require().NoError(err)
	suite.Assert().Len(objects, 2, "sample MUST publish one service and one characteristic")

	suite.conn.Reset()
	d, err = suite.conn.Call(suite.peripheral.Advertisement().Path(), codec.PropertiesInterface, codec.GetAll,
		codec.LEAdvertisementInterface)
	suite.Require().NoError(err)
	suite.Assert().Equal(bus.Consumed, d)
	props, err := codec.ReadDict(suite.conn.LastReply().Body, 0)
	suite.Require().NoError(err)
	uuids, err := codec.Property[[]string](props, "ServiceUUIDs")
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{peripheral.DefaultServiceUUID}, uuids)

	rx := app.Paths()[1]
	for _, chunk := range []string{"hello", "world"} {
		d, err = suite.conn.Call(rx, codec.GattCharacteristicInterface, codec.WriteValue, []byte(chunk), map[string]dbus.Variant{})
		suite.Require().NoError(err)
		suite.Assert().Equal(bus.Consumed, d)
	}

	stats := suite.peripheral.Capture().Stats()
	suite.Assert().Equal(uint64(2), stats.Writes)
	suite.Assert().Equal(uint64(10), stats.Bytes)
	suite.Assert().Equal(uint64(2), stats.Dropped, "bytes beyond capacity MUST be dropped")
	suite.Assert().Equal([]byte("hellowor"), suite.peripheral.Capture().Drain())

	d, err = suite.conn.Call("/org/example/unrelated", codec.ObjectManagerInterface, codec.GetManagedObjects)
	suite.Require().NoError(err)
	suite.Assert().Equal(bus.Released, d)
}

func TestPeripheralTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralTestSuite))
}
