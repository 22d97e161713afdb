package codec

import (
	"github.com/godbus/dbus/v5"
)

// Properties is one interface's property set, a{sv} on the wire.
type Properties map[string]dbus.Variant

// PutString sets a string (s) property.
func (p Properties) PutString(name, v string) Properties {
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutBool sets a boolean (b) property.
func (p Properties) PutBool(name string, v bool) Properties {
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutUint16 sets a uint16 (q) property.
func (p Properties) PutUint16(name string, v uint16) Properties {
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutObjectPath sets an object path (o) property.
func (p Properties) PutObjectPath(name string, v dbus.ObjectPath) Properties {
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutStrings sets a string array (as) property. Nil is sent as an empty array.
func (p Properties) PutStrings(name string, v []string) Properties {
	if v == nil {
		v = []string{}
	}
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutObjectPaths sets an object path array (ao) property.
func (p Properties) PutObjectPaths(name string, v []dbus.ObjectPath) Properties {
	if v == nil {
		v = []dbus.ObjectPath{}
	}
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutBytes sets a byte array (ay) property.
func (p Properties) PutBytes(name string, v []byte) Properties {
	if v == nil {
		v = []byte{}
	}
	p[name] = dbus.MakeVariant(v)
	return p
}

// PutVariant sets a property from an arbitrary value; v must be encodable.
func (p Properties) PutVariant(name string, v any) Properties {
	if variant, ok := v.(dbus.Variant); ok {
		p[name] = variant
		return p
	}
	p[name] = dbus.MakeVariant(v)
	return p
}

// Wire returns p as the plain map type the encoder expects.
func (p Properties) Wire() map[string]dbus.Variant {
	return map[string]dbus.Variant(p)
}

// Interfaces maps interface names to their properties, a{sa{sv}}.
type Interfaces map[string]Properties

// ManagedObjects is the GetManagedObjects payload, a{oa{sa{sv}}}.
type ManagedObjects map[dbus.ObjectPath]Interfaces

// Add records props for iface on path, merging with earlier entries.
func (m ManagedObjects) Add(path dbus.ObjectPath, iface string, props Properties) {
	ifaces, ok := m[path]
	if !ok {
		ifaces = Interfaces{}
		m[path] = ifaces
	}
	ifaces[iface] = props
}

// Wire returns m as the plain nested map type the encoder expects.
func (m ManagedObjects) Wire() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(m))
	for path, ifaces := range m {
		wi := make(map[string]map[string]dbus.Variant, len(ifaces))
		for name, props := range ifaces {
			wi[name] = props.Wire()
		}
		out[path] = wi
	}
	return out
}

// Plain strips variants, yielding a tree suitable for YAML or JSON output.
func (m ManagedObjects) Plain() map[string]map[string]map[string]any {
	out := make(map[string]map[string]map[string]any, len(m))
	for path, ifaces := range m {
		pi := make(map[string]map[string]any, len(ifaces))
		for name, props := range ifaces {
			pp := make(map[string]any, len(props))
			for k, v := range props {
				pp[k] = plainValue(v.Value())
			}
			pi[name] = pp
		}
		out[string(path)] = pi
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case dbus.ObjectPath:
		return string(t)
	case []dbus.ObjectPath:
		out := make([]string, len(t))
		for i, p := range t {
			out[i] = string(p)
		}
		return out
	case []byte:
		out := make([]int, len(t))
		for i, b := range t {
			out[i] = int(b)
		}
		return out
	case dbus.Variant:
		return plainValue(t.Value())
	case map[string]dbus.Variant:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plainValue(e.Value())
		}
		return out
	case map[uint16]dbus.Variant:
		out := make(map[uint16]any, len(t))
		for k, e := range t {
			out[k] = plainValue(e.Value())
		}
		return out
	default:
		return v
	}
}
