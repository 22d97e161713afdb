// Package codec builds and reads the bus messages exchanged with BlueZ:
// method calls, replies, signals, and the managed-objects payload.
package codec

// Well-known bus names and interfaces.
const (
	BluezBusName = "org.bluez"

	ObjectManagerInterface  = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"

	GattManagerInterface          = "org.bluez.GattManager1"
	GattServiceInterface          = "org.bluez.GattService1"
	GattCharacteristicInterface   = "org.bluez.GattCharacteristic1"
	LEAdvertisingManagerInterface = "org.bluez.LEAdvertisingManager1"
	LEAdvertisementInterface      = "org.bluez.LEAdvertisement1"
)

// Members used on the interfaces above.
const (
	GetManagedObjects = "GetManagedObjects"
	GetAll            = "GetAll"
	PropertiesChanged = "PropertiesChanged"
	Introspect        = "Introspect"

	RegisterApplication     = "RegisterApplication"
	UnregisterApplication   = "UnregisterApplication"
	RegisterAdvertisement   = "RegisterAdvertisement"
	UnregisterAdvertisement = "UnregisterAdvertisement"
	Release                 = "Release"

	ReadValue   = "ReadValue"
	WriteValue  = "WriteValue"
	StartNotify = "StartNotify"
	StopNotify  = "StopNotify"
)

// BlueZ error names returned to remote callers.
const (
	ErrorFailed           = "org.bluez.Error.Failed"
	ErrorInvalidArguments = "org.bluez.Error.InvalidArguments"
	ErrorNotPermitted     = "org.bluez.Error.NotPermitted"
	ErrorNotSupported     = "org.bluez.Error.NotSupported"

	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
)
