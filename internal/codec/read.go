package codec

import (
	"github.com/godbus/dbus/v5"
	"github.com/srg/blepd/internal/bus"
)

func readArg[T any](op string, body []any, i int, want string) (T, error) {
	var zero T
	if i < 0 || i >= len(body) {
		return zero, bus.NewProtocolError(op, "missing argument %d (%s)", i, want)
	}
	v := body[i]
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	t, ok := v.(T)
	if !ok {
		return zero, bus.NewProtocolError(op, "argument %d: expected %s, got %T", i, want, body[i])
	}
	return t, nil
}

// ReadString reads body[i] as a string.
func ReadString(body []any, i int) (string, error) {
	return readArg[string]("read string", body, i, "s")
}

// ReadBool reads body[i] as a boolean.
func ReadBool(body []any, i int) (bool, error) {
	return readArg[bool]("read bool", body, i, "b")
}

// ReadObjectPath reads body[i] as an object path.
func ReadObjectPath(body []any, i int) (dbus.ObjectPath, error) {
	return readArg[dbus.ObjectPath]("read object path", body, i, "o")
}

// ReadStrings reads body[i] as a string array.
func ReadStrings(body []any, i int) ([]string, error) {
	return readArg[[]string]("read strings", body, i, "as")
}

// ReadBytes reads body[i] as a byte array.
func ReadBytes(body []any, i int) ([]byte, error) {
	return readArg[[]byte]("read bytes", body, i, "ay")
}

// ReadVariant reads body[i] as a variant without unwrapping it.
func ReadVariant(body []any, i int) (dbus.Variant, error) {
	if i < 0 || i >= len(body) {
		return dbus.Variant{}, bus.NewProtocolError("read variant", "missing argument %d (v)", i)
	}
	v, ok := body[i].(dbus.Variant)
	if !ok {
		return dbus.Variant{}, bus.NewProtocolError("read variant", "argument %d: expected v, got %T", i, body[i])
	}
	return v, nil
}

// ReadDict reads body[i] as a property dictionary (a{sv}).
func ReadDict(body []any, i int) (Properties, error) {
	m, err := readArg[map[string]dbus.Variant]("read dict", body, i, "a{sv}")
	if err != nil {
		return nil, err
	}
	return Properties(m), nil
}

// ReadManagedObjects reads body[i] as a GetManagedObjects payload.
func ReadManagedObjects(body []any, i int) (ManagedObjects, error) {
	m, err := readArg[map[dbus.ObjectPath]map[string]map[string]dbus.Variant]("read managed objects", body, i, "a{oa{sa{sv}}}")
	if err != nil {
		return nil, err
	}
	out := make(ManagedObjects, len(m))
	for path, ifaces := range m {
		for name, props := range ifaces {
			out.Add(path, name, Properties(props))
		}
	}
	return out, nil
}

// Property extracts a typed property value.
func Property[T any](p Properties, name string) (T, error) {
	var zero T
	v, ok := p[name]
	if !ok {
		return zero, bus.NewProtocolError("property", "%q not present", name)
	}
	t, ok := v.Value().(T)
	if !ok {
		return zero, bus.NewProtocolError("property", "%q: unexpected type %s", name, v.Signature())
	}
	return t, nil
}
