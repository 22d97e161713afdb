// Package peripheral runs one GATT application and its advertisement against
// a controller: life cycle and inbound call routing.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepd/internal/bluez"
	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/internal/gatt"
)

// State is the life-cycle state of a Peripheral.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options wires a Peripheral. Application, Advertisement and Controller are
// required.
type Options struct {
	Name          string
	Application   *gatt.Application
	Advertisement *bluez.Advertisement
	Controller    *bluez.Controller
	Logger        *logrus.Logger
}

// Peripheral registers its application and advertisement with BlueZ and
// answers the calls BlueZ makes on them. It must be subscribed to the engine.
type Peripheral struct {
	name       string
	app        *gatt.Application
	adv        *bluez.Advertisement
	controller *bluez.Controller
	capture    *Capture
	logger     *logrus.Logger

	mu    sync.Mutex
	state State
}

// New creates a stopped peripheral.
func New(opts Options) (*Peripheral, error) {
	if opts.Application == nil || opts.Advertisement == nil || opts.Controller == nil {
		return nil, errors.New("peripheral: application, advertisement and controller are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Name == "" {
		opts.Name = "peripheral"
	}
	return &Peripheral{
		name:       opts.Name,
		app:        opts.Application,
		adv:        opts.Advertisement,
		controller: opts.Controller,
		logger:     opts.Logger,
	}, nil
}

func (p *Peripheral) Name() string                        { return p.name }
func (p *Peripheral) Application() *gatt.Application      { return p.app }
func (p *Peripheral) Advertisement() *bluez.Advertisement { return p.adv }
func (p *Peripheral) Controller() *bluez.Controller       { return p.controller }

// Capture returns the received-bytes capture, nil when none is attached.
func (p *Peripheral) Capture() *Capture { return p.capture }

func (p *Peripheral) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start registers the application, then the advertisement. It is a no-op
// while running. When the advertisement is refused the application
// registration is withdrawn and the peripheral enters StateError.
func (p *Peripheral) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		return nil
	}

	log := p.logger.WithFields(logrus.Fields{
		"peripheral":  p.name,
		"application": p.app.Path(),
		"controller":  p.controller.Path(),
	})

	if err := p.controller.Gatt.RegisterApplication(p.app.Path()); err != nil {
		p.state = StateError
		log.WithError(err).Warn("Failed to start peripheral")
		return err
	}

	if err := p.controller.Advertising.Register(p.adv); err != nil {
		if rbErr := p.controller.Gatt.UnregisterApplication(p.app.Path()); rbErr != nil {
			log.WithError(rbErr).Warn("Failed to roll back application registration")
			err = errors.Join(err, rbErr)
		}
		p.state = StateError
		log.WithError(err).Warn("Failed to start peripheral")
		return err
	}

	p.state = StateRunning
	log.Info("Peripheral started")
	return nil
}

// Stop withdraws both registrations. It is a no-op unless running and always
// ends in StateStopped; individual failures are logged and returned joined.
func (p *Peripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return nil
	}

	log := p.logger.WithField("peripheral", p.name)

	var errs []error
	if err := p.controller.Gatt.UnregisterApplication(p.app.Path()); err != nil {
		errs = append(errs, err)
	}
	if err := p.controller.Advertising.Unregister(p.adv); err != nil {
		errs = append(errs, err)
	}
	p.state = StateStopped

	if p.capture != nil {
		p.capture.LogSummary(log)
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Warn("Peripheral stopped with errors")
		return err
	}
	log.Info("Peripheral stopped")
	return nil
}

// HandleMessage tries characteristics, then the advertisement, then the
// application root.
func (p *Peripheral) HandleMessage(ctx context.Context, info bus.MessageInfo, msg *dbus.Message) bus.HandleResult {
	if r := p.app.HandleCharacteristicMessage(ctx, info, msg); r != bus.NotHandled {
		return r
	}
	if r := p.controller.Advertising.HandleMessage(ctx, info, msg); r != bus.NotHandled {
		return r
	}
	return p.app.HandleRootMessage(ctx, info, msg)
}
