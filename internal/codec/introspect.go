package codec

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// ObjectManagerIntrospectData describes org.freedesktop.DBus.ObjectManager.
var ObjectManagerIntrospectData = introspect.Interface{
	Name: ObjectManagerInterface,
	Methods: []introspect.Method{
		{
			Name: GetManagedObjects,
			Args: []introspect.Arg{
				{Name: "objects", Type: "a{oa{sa{sv}}}", Direction: "out"},
			},
		},
	},
	Signals: []introspect.Signal{
		{
			Name: "InterfacesAdded",
			Args: []introspect.Arg{
				{Name: "object", Type: "o"},
				{Name: "interfaces", Type: "a{sa{sv}}"},
			},
		},
		{
			Name: "InterfacesRemoved",
			Args: []introspect.Arg{
				{Name: "object", Type: "o"},
				{Name: "interfaces", Type: "as"},
			},
		},
	},
}

// PropertiesIntrospectData describes org.freedesktop.DBus.Properties.
var PropertiesIntrospectData = prop.IntrospectData

// IntrospectXML renders the introspection document for an object at root
// exposing ifaces, with one child node per direct descendant among children.
func IntrospectXML(root dbus.ObjectPath, ifaces []introspect.Interface, children []dbus.ObjectPath) string {
	node := &introspect.Node{
		Interfaces: append([]introspect.Interface(nil), ifaces...),
	}

	prefix := string(root)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := map[string]bool{}
	for _, child := range children {
		rel, ok := strings.CutPrefix(string(child), prefix)
		if !ok || rel == "" {
			continue
		}
		name, _, _ := strings.Cut(rel, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		node.Children = append(node.Children, introspect.Node{Name: name})
	}

	return string(introspect.NewIntrospectable(node))
}
