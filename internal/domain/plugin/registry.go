package plugin

import "errors"

var ErrUnknownPlugin = errors.New("plugin: not registered")

// PaymentRegistry resolves processor plugins by name. Replaces runtime plugin
// discovery with an injected lookup.
type PaymentRegistry interface {
	PaymentPlugin(name string) (PaymentPlugin, error)
}

// ControlRegistry resolves control policies by name.
type ControlRegistry interface {
	ControlPlugin(name string) (ControlPlugin, error)
}
