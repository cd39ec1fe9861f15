// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/eventbus"
	"github.com/raimundojimenez/kismet/pkg/stream"
)

// State of a source instance.
type State int

const (
	StateInit State = iota
	StateHandshake
	StateProbing
	StateOpening
	StateListing
	StateRunning
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateProbing:
		return "probing"
	case StateOpening:
		return "opening"
	case StateListing:
		return "listing"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role selects which request a source sends once the handshake completes.
type Role int

const (
	// RoleOpen brings the capture up and streams packets.
	RoleOpen Role = iota
	// RoleProbe asks a short-lived child whether it claims the definition.
	RoleProbe
	// RoleList asks a short-lived child for its supported interfaces.
	RoleList
)

// Bus channels published by source instances.
const (
	EventSourceOpened = "SOURCE_OPENED"
	EventSourceError  = "SOURCE_ERROR"
	EventSourceClosed = "SOURCE_CLOSED"
	EventPacket       = "PACKET"
	EventMessage      = "MESSAGE"
)

// Error kinds. Transient kinds are retried by the tracker timer; permanent
// kinds park the source in the error list until it is removed.
const (
	KindSpawnFailed   = "spawn_failed"
	KindReadEOF       = "read_eof"
	KindWriteEOF      = "write_eof"
	KindHardware      = "hardware_transient"
	KindProtocol      = "protocol_error"
	KindPermission    = "permission_denied"
	KindBadDefinition = "bad_definition"
)

// Retriable reports whether an error kind is worth retrying.
func Retriable(kind string) bool {
	switch kind {
	case KindProtocol, KindPermission, KindBadDefinition:
		return false
	default:
		return true
	}
}

// Child exit codes per the capture binary contract.
const (
	ExitClean      = 0
	ExitProtocol   = 1
	ExitHardware   = 2
	ExitPermission = 3
)

var nextTID atomic.Uint32

// NextTransactionID allocates a fresh correlation tag.
func NextTransactionID() uint32 { return nextTID.Add(1) }

// Config assembles a source instance.
type Config struct {
	Definition   *Definition
	Driver       Driver
	Bus          *eventbus.Bus
	Logger       *zap.Logger
	NewTransport TransportFactory

	// UnknownFrame receives frames whose type the state machine does not
	// recognize. Optional; unknown frames are dropped either way.
	UnknownFrame func(*capproto.Frame)
}

// Snapshot is a read-only copy of a source's attributes, exposed through the
// tracker's iterate surface.
type Snapshot struct {
	UUID           string
	RuntimeID      int
	Definition     string
	Interface      string
	Name           string
	DriverType     string
	ChannelCapable bool
	Channels       []string
	State          string
	ChildPID       int
	ErrorKind      string
	ErrorReason    string
	Retriable      bool
	Packets        uint64
	ErrorCount     uint64
	CapName        string
	CapVersion     string
}

// Source is one live (or errored) capture source. It owns its transport,
// drives the per-child protocol state machine, and publishes lifecycle and
// packet events on the bus.
type Source struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	id             uuid.UUID
	runtimeID      int
	role           Role
	state          State
	iface          string
	name           string
	channelCapable bool
	channels       []string
	capName        string
	capVersion     string
	errorKind      string
	errorReason    string
	retriableNow   bool
	childPID       int
	packets        uint64
	errorCount     uint64
	retryOK        bool
	tid            uint32

	endpoint  *stream.Endpoint
	transport Transport

	openCB  func(ok bool, message string)
	probeCB func(success bool, message string)
	listCB  func(ifaces []capproto.ListedInterface)
}

// action defers side effects (callbacks, event publishes, transport
// teardown) until after the source lock is released.
type action func()

func (s *Source) run(acts []action) {
	for _, a := range acts {
		a()
	}
}

// New builds an unstarted source for the definition.
func New(cfg Config) (*Source, error) {
	if cfg.Definition == nil {
		return nil, errors.New("source: definition required")
	}
	if cfg.Driver == nil {
		return nil, errors.New("source: driver required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("source: transport factory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var id uuid.UUID
	if pinned := cfg.Definition.UUID(); pinned != "" {
		parsed, err := uuid.Parse(pinned)
		if err != nil {
			return nil, fmt.Errorf("source: bad pinned uuid %q: %w", pinned, err)
		}
		id = parsed
	} else {
		id = uuid.New()
	}

	s := &Source{
		cfg:            cfg,
		id:             id,
		state:          StateInit,
		iface:          cfg.Definition.Interface,
		name:           cfg.Definition.Name(),
		channelCapable: cfg.Driver.ChannelCapable(),
		channels:       cfg.Definition.Channels(),
		retryOK:        cfg.Definition.Retry(),
	}
	s.logger = logger.With(
		zap.String("source", s.name),
		zap.String("uuid", id.String()),
		zap.String("driver", cfg.Driver.Type()),
	)

	return s, nil
}

// UUID returns the stable identity of the source.
func (s *Source) UUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.String()
}

// RuntimeID returns the id assigned when the tracker admitted the source.
func (s *Source) RuntimeID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeID
}

// SetRuntimeID is called once by the tracker on admit.
func (s *Source) SetRuntimeID(id int) {
	s.mu.Lock()
	s.runtimeID = id
	s.mu.Unlock()
}

// DriverType returns the owning driver's type tag.
func (s *Source) DriverType() string { return s.cfg.Driver.Type() }

// Definition returns the original textual definition.
func (s *Source) Definition() string { return s.cfg.Definition.Raw }

// State returns the current protocol state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryEligible reports whether the source sits in ERROR with a transient
// kind and retries enabled.
func (s *Source) RetryEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateError && s.retriableNow
}

// Snapshot copies the source's attributes.
func (s *Source) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UUID:           s.id.String(),
		RuntimeID:      s.runtimeID,
		Definition:     s.cfg.Definition.Raw,
		Interface:      s.iface,
		Name:           s.name,
		DriverType:     s.cfg.Driver.Type(),
		ChannelCapable: s.channelCapable,
		Channels:       append([]string(nil), s.channels...),
		State:          s.state.String(),
		ChildPID:       s.childPID,
		ErrorKind:      s.errorKind,
		ErrorReason:    s.errorReason,
		Retriable:      s.retriableNow,
		Packets:        s.packets,
		ErrorCount:     s.errorCount,
		CapName:        s.capName,
		CapVersion:     s.capVersion,
	}
}

// Open spawns the capture child and drives it to RUNNING. The callback fires
// exactly once: (true, interface) on success or (false, reason) on the first
// failure. The source stays under tracker management either way.
func (s *Source) Open(ctx context.Context, cb func(ok bool, message string)) {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		if cb != nil {
			cb(false, "source already started")
		}
		return
	}
	s.role = RoleOpen
	s.openCB = cb
	acts := s.launchLocked(ctx)
	s.mu.Unlock()
	s.run(acts)
}

// Probe spawns a short-lived child in the probing role. tid correlates the
// answer for the probe coordinator.
func (s *Source) Probe(ctx context.Context, tid uint32, cb func(success bool, message string)) {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		if cb != nil {
			cb(false, "source already started")
		}
		return
	}
	s.role = RoleProbe
	s.tid = tid
	s.probeCB = cb
	acts := s.launchLocked(ctx)
	s.mu.Unlock()
	s.run(acts)
}

// List spawns a short-lived child in the listing role.
func (s *Source) List(ctx context.Context, cb func(ifaces []capproto.ListedInterface)) {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
		return
	}
	s.role = RoleList
	s.listCB = cb
	acts := s.launchLocked(ctx)
	s.mu.Unlock()
	s.run(acts)
}

// Retry relaunches a source sitting in ERROR with a transient kind. The UUID
// and runtime id are stable across retries.
func (s *Source) Retry(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateError || !s.retriableNow {
		s.mu.Unlock()
		return false
	}
	s.state = StateInit
	acts := s.launchLocked(ctx)
	s.mu.Unlock()
	s.run(acts)
	return true
}

// Close tears the source down and marks it CLOSED. Synchronous with respect
// to the state machine; the child's actual exit is reaped asynchronously.
func (s *Source) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.role == RoleOpen && s.state != StateInit
	acts := s.detachLocked()
	s.state = StateClosed
	cb := s.takeOpenCBLocked()
	uuidStr, rid := s.id.String(), s.runtimeID
	s.mu.Unlock()

	if cb != nil {
		acts = append(acts, func() { cb(false, "source removed") })
	}
	if wasOpen && s.cfg.Bus != nil {
		acts = append(acts, func() {
			s.cfg.Bus.Publish(eventbus.NewEvent(EventSourceClosed).
				Set("uuid", uuidStr).
				Set("runtime_id", rid))
		})
	}
	s.run(acts)
}

// SetChannel locks the capture to a single channel.
func (s *Source) SetChannel(channel string) error {
	return s.writeConfig(capproto.NewChannelConfigFrame(channel))
}

// SetHopping sets the capture hopping across channels at rate hops/sec.
func (s *Source) SetHopping(rate float64, channels []string) error {
	return s.writeConfig(capproto.NewHopConfigFrame(rate, channels))
}

func (s *Source) writeConfig(f *capproto.Frame) error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("source is %s, not running", state)
	}
	if !s.channelCapable {
		s.mu.Unlock()
		return errors.New("source is not channel capable")
	}
	ep := s.endpoint
	s.mu.Unlock()

	return ep.WriteFrame(f)
}

// launchLocked builds the endpoint and transport for a fresh child. Called
// with the lock held in StateInit; the returned actions start the child.
func (s *Source) launchLocked(ctx context.Context) []action {
	var ep *stream.Endpoint
	ep = stream.NewEndpoint(stream.Config{
		OnFrame: func(f *capproto.Frame) { s.onFrame(ep, f) },
		OnClose: func(reason string) { s.onEndpointClose(ep, reason) },
	})
	// Declared first so the callbacks above can compare identity; assigned
	// before any transport goroutine can run.
	tr, err := s.cfg.NewTransport(TransportConfig{
		Endpoint: ep,
		OnStderr: func(line string) { s.onStderr(line) },
		OnExit:   func(code int, err error) { s.onChildExit(ep, code, err) },
	})
	if err != nil {
		return s.enterErrorLocked(KindSpawnFailed, err.Error())
	}
	s.endpoint = ep
	s.transport = tr
	// The child may speak the moment it starts, so the handshake state is
	// entered before the transport launches.
	s.state = StateHandshake

	return []action{func() {
		if err := tr.Start(ctx); err != nil {
			s.mu.Lock()
			if s.endpoint != ep {
				s.mu.Unlock()
				return
			}
			acts := s.enterErrorLocked(KindSpawnFailed, err.Error())
			s.mu.Unlock()
			s.run(acts)
			return
		}
		s.mu.Lock()
		if s.endpoint == ep {
			s.childPID = tr.Pid()
		}
		s.mu.Unlock()
	}}
}

// detachLocked severs the current endpoint and transport so late callbacks
// from them are recognized as stale. Returns the teardown action.
func (s *Source) detachLocked() []action {
	tr := s.transport
	s.endpoint = nil
	s.transport = nil
	s.childPID = 0
	if tr == nil {
		return nil
	}
	return []action{tr.Close}
}

func (s *Source) takeOpenCBLocked() func(bool, string) {
	cb := s.openCB
	s.openCB = nil
	return cb
}

// enterErrorLocked transitions to ERROR, tears down the child, and reports
// through every pending surface. A source in ERROR holds no child process
// and no open descriptors.
func (s *Source) enterErrorLocked(kind, reason string) []action {
	if s.state == StateClosed || s.state == StateError {
		return nil
	}

	acts := s.detachLocked()
	s.state = StateError
	s.errorKind = kind
	s.errorReason = reason
	s.errorCount++
	s.retriableNow = Retriable(kind) && s.retryOK && s.role == RoleOpen

	uuidStr, rid := s.id.String(), s.runtimeID
	openCB := s.takeOpenCBLocked()
	probeCB := s.probeCB
	s.probeCB = nil
	listCB := s.listCB
	s.listCB = nil

	acts = append(acts, func() {
		s.logger.Warn("source entered error state",
			zap.String("kind", kind),
			zap.String("reason", reason),
		)
	})
	if s.role == RoleOpen && s.cfg.Bus != nil {
		acts = append(acts, func() {
			s.cfg.Bus.Publish(eventbus.NewEvent(EventSourceError).
				Set("uuid", uuidStr).
				Set("runtime_id", rid).
				Set("kind", kind).
				Set("reason", reason))
		})
	}
	if openCB != nil {
		acts = append(acts, func() { openCB(false, reason) })
	}
	if probeCB != nil {
		acts = append(acts, func() { probeCB(false, reason) })
	}
	if listCB != nil {
		acts = append(acts, func() { listCB(nil) })
	}

	return acts
}

// closeChildLocked ends a completed probe/list child.
func (s *Source) closeChildLocked() []action {
	acts := s.detachLocked()
	s.state = StateClosed
	return acts
}

func (s *Source) onStderr(line string) {
	s.logger.Debug("capture child stderr", zap.String("line", line))
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(eventbus.NewEvent(EventMessage).
			Set("uuid", s.UUID()).
			Set("level", capproto.MsgInfo).
			Set("message", line))
	}
}

func (s *Source) onEndpointClose(ep *stream.Endpoint, reason string) {
	s.mu.Lock()
	if s.endpoint != ep {
		s.mu.Unlock()
		return
	}
	var acts []action
	switch reason {
	case stream.ReasonShutdown:
		// Deliberate teardown (context cancellation); no error to report,
		// but pending completion callbacks still fire exactly once.
		acts = s.closeChildLocked()
		openCB := s.takeOpenCBLocked()
		probeCB := s.probeCB
		s.probeCB = nil
		listCB := s.listCB
		s.listCB = nil
		if openCB != nil {
			acts = append(acts, func() { openCB(false, "shutting down") })
		}
		if probeCB != nil {
			acts = append(acts, func() { probeCB(false, "shutting down") })
		}
		if listCB != nil {
			acts = append(acts, func() { listCB(nil) })
		}
	case stream.ReasonProtocolError, stream.ReasonBufferOverflow:
		acts = s.enterErrorLocked(KindProtocol, "stream closed: "+reason)
	default:
		acts = s.enterErrorLocked(KindReadEOF, "stream closed: "+reason)
	}
	s.mu.Unlock()
	s.run(acts)
}

func (s *Source) onChildExit(ep *stream.Endpoint, code int, err error) {
	s.mu.Lock()
	if s.endpoint != ep {
		// Exit after teardown; nothing left to report.
		s.mu.Unlock()
		return
	}
	var kind, reason string
	switch code {
	case ExitClean:
		kind, reason = KindReadEOF, "capture child exited"
	case ExitProtocol:
		kind, reason = KindProtocol, "capture child reported a protocol error"
	case ExitHardware:
		kind, reason = KindHardware, "capture child reported a hardware error"
	case ExitPermission:
		kind, reason = KindPermission, "capture child lacks permission"
	default:
		kind, reason = KindHardware, fmt.Sprintf("capture child exited with code %d", code)
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
	}
	acts := s.enterErrorLocked(kind, reason)
	s.mu.Unlock()
	s.run(acts)
}

func (s *Source) onFrame(ep *stream.Endpoint, f *capproto.Frame) {
	s.mu.Lock()
	if s.endpoint != ep || s.state == StateClosed || s.state == StateError {
		s.mu.Unlock()
		return
	}

	var acts []action
	switch s.state {
	case StateHandshake:
		acts = s.handshakeLocked(ep, f)
	case StateProbing:
		acts = s.probingLocked(f)
	case StateOpening:
		acts = s.openingLocked(f)
	case StateListing:
		acts = s.listingLocked(f)
	case StateRunning:
		acts = s.runningLocked(f)
	default:
		acts = s.dropLocked(f)
	}
	s.mu.Unlock()
	s.run(acts)
}

// handshakeLocked enforces the HELLO-first rule: any other frame in the
// handshake state is fatal.
func (s *Source) handshakeLocked(ep *stream.Endpoint, f *capproto.Frame) []action {
	if f.Type != capproto.FrameHello {
		return s.enterErrorLocked(KindProtocol, "expected HELLO, got "+f.Type)
	}
	hello, err := capproto.ParseHello(f)
	if err != nil {
		return s.enterErrorLocked(KindProtocol, err.Error())
	}
	s.capVersion = hello.Version
	s.capName = hello.CapName

	var req *capproto.Frame
	switch s.role {
	case RoleProbe:
		req = capproto.NewProbeFrame(s.tid, s.cfg.Definition.Raw)
		s.state = StateProbing
	case RoleList:
		if s.tid == 0 {
			s.tid = NextTransactionID()
		}
		req = capproto.NewListFrame(s.tid)
		s.state = StateListing
	default:
		s.tid = NextTransactionID()
		req = capproto.NewOpenFrame(s.tid, s.cfg.Definition.Raw)
		s.state = StateOpening
	}

	return []action{func() { s.writeOrFail(ep, req) }}
}

func (s *Source) probingLocked(f *capproto.Frame) []action {
	switch f.Type {
	case capproto.FrameProbeResp:
		if f.TransactionID != s.tid {
			return s.dropLocked(f)
		}
		report, err := capproto.ParseProbeResp(f)
		if err != nil {
			return s.enterErrorLocked(KindProtocol, err.Error())
		}
		s.channels = report.Channels
		cb := s.probeCB
		s.probeCB = nil
		acts := s.closeChildLocked()
		if cb != nil {
			acts = append(acts, func() { cb(report.Success, report.Message) })
		}
		return acts
	case capproto.FrameMessage:
		return s.messageLocked(f)
	case capproto.FrameError:
		msg, _ := capproto.ParseError(f)
		cb := s.probeCB
		s.probeCB = nil
		acts := s.closeChildLocked()
		if cb != nil {
			acts = append(acts, func() { cb(false, msg) })
		}
		return acts
	default:
		return s.dropLocked(f)
	}
}

func (s *Source) openingLocked(f *capproto.Frame) []action {
	switch f.Type {
	case capproto.FrameOpenResp:
		if f.TransactionID != s.tid {
			return s.dropLocked(f)
		}
		report, err := capproto.ParseOpenResp(f)
		if err != nil {
			return s.enterErrorLocked(KindProtocol, err.Error())
		}
		if !report.Success {
			return s.enterErrorLocked(KindHardware, report.Message)
		}

		s.state = StateRunning
		s.errorKind = ""
		s.errorReason = ""
		s.retriableNow = false
		if len(report.Channels) > 0 {
			s.channels = report.Channels
		}
		// Adopt the child-reported UUID unless the definition pinned one.
		if s.cfg.Definition.UUID() == "" && report.UUID != "" {
			if parsed, err := uuid.Parse(report.UUID); err == nil {
				s.id = parsed
			}
		}
		uuidStr, rid, iface := s.id.String(), s.runtimeID, s.iface
		cb := s.takeOpenCBLocked()

		acts := []action{func() {
			s.logger.Info("source running", zap.String("interface", iface))
		}}
		if s.cfg.Bus != nil {
			acts = append(acts, func() {
				s.cfg.Bus.Publish(eventbus.NewEvent(EventSourceOpened).
					Set("uuid", uuidStr).
					Set("runtime_id", rid).
					Set("interface", iface))
			})
		}
		if cb != nil {
			acts = append(acts, func() { cb(true, iface) })
		}
		return acts
	case capproto.FrameMessage:
		return s.messageLocked(f)
	case capproto.FrameError:
		msg, _ := capproto.ParseError(f)
		return s.enterErrorLocked(KindHardware, msg)
	default:
		return s.dropLocked(f)
	}
}

func (s *Source) listingLocked(f *capproto.Frame) []action {
	switch f.Type {
	case capproto.FrameListResp:
		if f.TransactionID != s.tid {
			return s.dropLocked(f)
		}
		ifaces, err := capproto.ParseListResp(f)
		if err != nil {
			return s.enterErrorLocked(KindProtocol, err.Error())
		}
		cb := s.listCB
		s.listCB = nil
		acts := s.closeChildLocked()
		if cb != nil {
			acts = append(acts, func() { cb(ifaces) })
		}
		return acts
	case capproto.FrameMessage:
		return s.messageLocked(f)
	case capproto.FrameError:
		msg, _ := capproto.ParseError(f)
		cb := s.listCB
		s.listCB = nil
		acts := s.closeChildLocked()
		if cb != nil {
			acts = append(acts, func() { cb(nil) })
		}
		acts = append(acts, func() {
			s.logger.Warn("list child failed", zap.String("message", msg))
		})
		return acts
	default:
		return s.dropLocked(f)
	}
}

func (s *Source) runningLocked(f *capproto.Frame) []action {
	switch f.Type {
	case capproto.FrameData:
		report, err := capproto.ParseData(f)
		if err != nil {
			// A single malformed DATA frame is dropped, not fatal.
			return []action{func() {
				s.logger.Debug("dropping malformed data frame", zap.Error(err))
			}}
		}
		s.packets++
		uuidStr, rid := s.id.String(), s.runtimeID
		return []action{func() {
			if s.cfg.Bus == nil {
				return
			}
			ev := eventbus.NewEvent(EventPacket).
				Set("uuid", uuidStr).
				Set("runtime_id", rid).
				Set("packet", report.Packet).
				Set("dlt", report.DLT).
				Set("linktype", layers.LinkType(report.DLT).String()).
				Set("signal_dbm", report.SignalDBm).
				Set("ts", time.Unix(report.Sec, report.Usec*1000))
			if report.GPS != nil {
				ev.Set("gps", report.GPS)
			}
			s.cfg.Bus.Publish(ev)
		}}
	case capproto.FrameMessage:
		return s.messageLocked(f)
	case capproto.FrameError:
		msg, _ := capproto.ParseError(f)
		return s.enterErrorLocked(KindHardware, msg)
	default:
		return s.dropLocked(f)
	}
}

// messageLocked republishes a child MESSAGE frame on the bus at its level.
func (s *Source) messageLocked(f *capproto.Frame) []action {
	report, err := capproto.ParseMessage(f)
	if err != nil {
		return []action{func() {
			s.logger.Debug("dropping malformed message frame", zap.Error(err))
		}}
	}
	uuidStr := s.id.String()
	return []action{func() {
		switch report.Level {
		case capproto.MsgError:
			s.logger.Error("capture child message", zap.String("message", report.Message))
		case capproto.MsgInfo:
			s.logger.Info("capture child message", zap.String("message", report.Message))
		default:
			s.logger.Debug("capture child message", zap.String("message", report.Message))
		}
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(eventbus.NewEvent(EventMessage).
				Set("uuid", uuidStr).
				Set("level", report.Level).
				Set("message", report.Message))
		}
	}}
}

var knownFrameTypes = map[string]bool{
	capproto.FrameHello: true, capproto.FrameProbeResp: true,
	capproto.FrameOpenResp: true, capproto.FrameListResp: true,
	capproto.FrameData: true, capproto.FrameMessage: true,
	capproto.FrameError: true,
}

func (s *Source) dropLocked(f *capproto.Frame) []action {
	state := s.state
	if !knownFrameTypes[f.Type] && s.cfg.UnknownFrame != nil {
		handler := s.cfg.UnknownFrame
		return []action{func() {
			handler(f)
		}}
	}
	return []action{func() {
		s.logger.Debug("dropping unexpected frame",
			zap.String("type", f.Type),
			zap.Stringer("state", state),
		)
	}}
}

// writeOrFail pushes a frame to the child, degrading to ERROR when the
// outbound path is gone.
func (s *Source) writeOrFail(ep *stream.Endpoint, f *capproto.Frame) {
	if err := ep.WriteFrame(f); err != nil {
		s.mu.Lock()
		if s.endpoint != ep {
			s.mu.Unlock()
			return
		}
		acts := s.enterErrorLocked(KindWriteEOF, err.Error())
		s.mu.Unlock()
		s.run(acts)
	}
}
