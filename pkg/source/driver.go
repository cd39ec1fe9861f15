// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package source

import (
	"context"

	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/eventbus"
	"github.com/raimundojimenez/kismet/pkg/ipc"
	"github.com/raimundojimenez/kismet/pkg/stream"
)

// ProbeResult answers whether a driver claims a definition.
type ProbeResult int

const (
	// ProbeNo rejects the definition outright.
	ProbeNo ProbeResult = iota
	// ProbeYes claims the definition without spawning a child.
	ProbeYes
	// ProbeRequireIPC means the answer needs a short-lived capture child.
	ProbeRequireIPC
)

// Driver is a registered capture backend. Drivers are immutable after
// registration; the tracker never constructs them.
type Driver interface {
	// Type is the short tag matched against a definition's type= option.
	Type() string
	// Description is a human label for listings and logs.
	Description() string
	// ChannelCapable reports whether sources of this kind tune channels by
	// default.
	ChannelCapable() bool
	// Probe answers in-process when it can; ProbeRequireIPC defers to a
	// probing child.
	Probe(def *Definition) ProbeResult
	// List enumerates interfaces in-process. ok=false defers to a listing
	// child.
	List() (ifaces []capproto.ListedInterface, ok bool)
	// Build constructs an unstarted source instance for the definition.
	Build(def *Definition) (*Source, error)
}

// ExecDriverConfig describes a driver backed by an external capture binary.
type ExecDriverConfig struct {
	Type           string
	Description    string
	Command        []string
	ChannelCapable bool
}

// ExecDriver drives capture binaries speaking the framed protocol over
// stdio. Probing and listing always require IPC.
type ExecDriver struct {
	cfg    ExecDriverConfig
	bus    *eventbus.Bus
	logger *zap.Logger
}

// NewExecDriver creates a driver for the given capture binary.
func NewExecDriver(cfg ExecDriverConfig, bus *eventbus.Bus, logger *zap.Logger) *ExecDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecDriver{cfg: cfg, bus: bus, logger: logger}
}

// Type implements Driver.
func (d *ExecDriver) Type() string { return d.cfg.Type }

// Description implements Driver.
func (d *ExecDriver) Description() string { return d.cfg.Description }

// ChannelCapable implements Driver.
func (d *ExecDriver) ChannelCapable() bool { return d.cfg.ChannelCapable }

// Probe implements Driver; external binaries always probe over IPC.
func (d *ExecDriver) Probe(*Definition) ProbeResult { return ProbeRequireIPC }

// List implements Driver; external binaries always list over IPC.
func (d *ExecDriver) List() ([]capproto.ListedInterface, bool) { return nil, false }

// Build implements Driver.
func (d *ExecDriver) Build(def *Definition) (*Source, error) {
	command := append(append([]string(nil), d.cfg.Command...), def.Interface)
	return New(Config{
		Definition: def,
		Driver:     d,
		Bus:        d.bus,
		Logger:     d.logger,
		NewTransport: func(tc TransportConfig) (Transport, error) {
			return ipc.New(ipc.Config{
				Command:  command,
				Endpoint: tc.Endpoint,
				Logger:   d.logger,
				OnStderr: tc.OnStderr,
				OnExit:   tc.OnExit,
			})
		},
	})
}

// Transport is the I/O channel between a source and its capture child.
// *ipc.ChildTransport is the production implementation; tests substitute
// scripted in-memory transports.
type Transport interface {
	Start(ctx context.Context) error
	Pid() int
	Close()
}

// TransportConfig hands a transport the endpoint and callbacks it must wire.
type TransportConfig struct {
	Endpoint *stream.Endpoint
	OnStderr func(line string)
	OnExit   func(code int, err error)
}

// TransportFactory builds a transport bound to the given endpoint.
type TransportFactory func(TransportConfig) (Transport, error)
