// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package capproto

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Keyed-value names used by the capture protocol. Each value is a msgpack
// map of named fields; the key fixes which fields are expected.
const (
	KVKismet     = "KISMET"
	KVCapName    = "CAPNAME"
	KVDefinition = "DEFINITION"
	KVSuccess    = "SUCCESS"
	KVMessage    = "MESSAGE"
	KVLevel      = "LEVEL"
	KVUUID       = "UUID"
	KVChanSet    = "CHANSET"
	KVChanHop    = "CHANHOP"
	KVChannel    = "CHANNEL"
	KVInterfaces = "INTERFACES"
	KVPacket     = "PACKET"
	KVSignal     = "SIGNAL"
	KVGPS        = "GPS"
	KVDLT        = "DLT"
	KVTS         = "TS"
)

// Message severity levels carried by the LEVEL keyed value.
const (
	MsgDebug uint8 = iota
	MsgInfo
	MsgError
)

type versionPayload struct {
	Version string `msgpack:"version"`
}

type namePayload struct {
	Name string `msgpack:"name"`
}

type definitionPayload struct {
	Definition string `msgpack:"definition"`
}

type successPayload struct {
	Success bool `msgpack:"success"`
}

type messagePayload struct {
	Message string `msgpack:"message"`
}

type levelPayload struct {
	Level uint8 `msgpack:"level"`
}

type uuidPayload struct {
	UUID string `msgpack:"uuid"`
}

type chanSetPayload struct {
	Channels []string `msgpack:"channels"`
}

type chanHopPayload struct {
	Rate     float64  `msgpack:"rate"`
	Channels []string `msgpack:"channels"`
}

type channelPayload struct {
	Channel string `msgpack:"channel"`
}

type packetPayload struct {
	Packet []byte `msgpack:"packet"`
}

type signalPayload struct {
	SignalDBm int32 `msgpack:"signal_dbm"`
	NoiseDBm  int32 `msgpack:"noise_dbm"`
}

// GPSFix is a position report attached to a DATA frame.
type GPSFix struct {
	Lat   float64 `msgpack:"lat"`
	Lon   float64 `msgpack:"lon"`
	Alt   float64 `msgpack:"alt"`
	Speed float64 `msgpack:"speed"`
}

type dltPayload struct {
	DLT uint32 `msgpack:"dlt"`
}

type tsPayload struct {
	Sec  int64 `msgpack:"tv_sec"`
	Usec int64 `msgpack:"tv_usec"`
}

// ListedInterface is one entry of a LISTRESP INTERFACES array.
type ListedInterface struct {
	Interface   string            `msgpack:"interface"`
	Flags       map[string]string `msgpack:"flags"`
	Description string            `msgpack:"description"`
}

type interfacesPayload struct {
	Interfaces []ListedInterface `msgpack:"interfaces"`
}

func packKV(key string, payload any) KV {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		// All payload types above marshal without error; a failure here is a
		// programming mistake, not runtime input.
		panic(fmt.Sprintf("capproto: marshal %s payload: %v", key, err))
	}
	return KV{Key: key, Value: b}
}

func unpackKV(f *Frame, key string, out any) error {
	raw := f.KV(key)
	if raw == nil {
		return fmt.Errorf("%s frame missing %s", f.Type, key)
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unpack %s/%s: %w", f.Type, key, err)
	}
	return nil
}

// Host-side frame builders.

// NewProbeFrame asks a probing child whether it claims the definition.
func NewProbeFrame(tid uint32, definition string) *Frame {
	return &Frame{
		TransactionID: tid,
		Type:          FrameProbe,
		KVs:           []KV{packKV(KVDefinition, definitionPayload{Definition: definition})},
	}
}

// NewOpenFrame asks an opening child to bring up the definition.
func NewOpenFrame(tid uint32, definition string) *Frame {
	return &Frame{
		TransactionID: tid,
		Type:          FrameOpen,
		KVs:           []KV{packKV(KVDefinition, definitionPayload{Definition: definition})},
	}
}

// NewListFrame asks a listing child for its supported interfaces.
func NewListFrame(tid uint32) *Frame {
	return &Frame{TransactionID: tid, Type: FrameList}
}

// NewChannelConfigFrame locks the child to a single channel.
func NewChannelConfigFrame(channel string) *Frame {
	return &Frame{
		Type: FrameConfig,
		KVs:  []KV{packKV(KVChannel, channelPayload{Channel: channel})},
	}
}

// NewHopConfigFrame sets the child hopping across channels at rate hops/sec.
func NewHopConfigFrame(rate float64, channels []string) *Frame {
	return &Frame{
		Type: FrameConfig,
		KVs:  []KV{packKV(KVChanHop, chanHopPayload{Rate: rate, Channels: channels})},
	}
}

// Child-side frame builders, used by capture binaries and by protocol tests.

// NewHelloFrame is the mandatory first child frame.
func NewHelloFrame(version, capName string) *Frame {
	return &Frame{
		Type: FrameHello,
		KVs: []KV{
			packKV(KVKismet, versionPayload{Version: version}),
			packKV(KVCapName, namePayload{Name: capName}),
		},
	}
}

// NewProbeRespFrame answers a PROBE.
func NewProbeRespFrame(tid uint32, success bool, message string, channels []string) *Frame {
	f := &Frame{
		TransactionID: tid,
		Type:          FrameProbeResp,
		KVs: []KV{
			packKV(KVSuccess, successPayload{Success: success}),
			packKV(KVMessage, messagePayload{Message: message}),
		},
	}
	if len(channels) > 0 {
		f.KVs = append(f.KVs, packKV(KVChanSet, chanSetPayload{Channels: channels}))
	}
	return f
}

// NewOpenRespFrame answers an OPEN.
func NewOpenRespFrame(tid uint32, success bool, message, uuid string, channels []string) *Frame {
	return &Frame{
		TransactionID: tid,
		Type:          FrameOpenResp,
		KVs: []KV{
			packKV(KVSuccess, successPayload{Success: success}),
			packKV(KVMessage, messagePayload{Message: message}),
			packKV(KVUUID, uuidPayload{UUID: uuid}),
			packKV(KVChanSet, chanSetPayload{Channels: channels}),
		},
	}
}

// NewListRespFrame answers a LIST.
func NewListRespFrame(tid uint32, interfaces []ListedInterface) *Frame {
	return &Frame{
		TransactionID: tid,
		Type:          FrameListResp,
		KVs:           []KV{packKV(KVInterfaces, interfacesPayload{Interfaces: interfaces})},
	}
}

// NewDataFrame carries one captured packet.
func NewDataFrame(packet []byte, signalDBm int32, gps *GPSFix, dlt uint32, sec, usec int64) *Frame {
	f := &Frame{
		Type: FrameData,
		KVs: []KV{
			packKV(KVPacket, packetPayload{Packet: packet}),
			packKV(KVSignal, signalPayload{SignalDBm: signalDBm}),
			packKV(KVDLT, dltPayload{DLT: dlt}),
			packKV(KVTS, tsPayload{Sec: sec, Usec: usec}),
		},
	}
	if gps != nil {
		f.KVs = append(f.KVs, packKV(KVGPS, *gps))
	}
	return f
}

// NewMessageFrame carries a leveled diagnostic string from the child.
func NewMessageFrame(level uint8, message string) *Frame {
	return &Frame{
		Type: FrameMessage,
		KVs: []KV{
			packKV(KVLevel, levelPayload{Level: level}),
			packKV(KVMessage, messagePayload{Message: message}),
		},
	}
}

// NewErrorFrame reports a fatal child-side condition.
func NewErrorFrame(message string) *Frame {
	return &Frame{
		Type: FrameError,
		KVs:  []KV{packKV(KVMessage, messagePayload{Message: message})},
	}
}

// Host-side frame parsers.

// Hello is the parsed content of a HELLO frame.
type Hello struct {
	Version string
	CapName string
}

// ParseHello extracts the handshake fields.
func ParseHello(f *Frame) (*Hello, error) {
	var v versionPayload
	if err := unpackKV(f, KVKismet, &v); err != nil {
		return nil, err
	}
	var n namePayload
	if err := unpackKV(f, KVCapName, &n); err != nil {
		return nil, err
	}
	return &Hello{Version: v.Version, CapName: n.Name}, nil
}

// ProbeReport is the parsed content of a PROBERESP frame.
type ProbeReport struct {
	Success  bool
	Message  string
	Channels []string
}

// ParseProbeResp extracts a probe answer. CHANSET is optional.
func ParseProbeResp(f *Frame) (*ProbeReport, error) {
	var s successPayload
	if err := unpackKV(f, KVSuccess, &s); err != nil {
		return nil, err
	}
	var m messagePayload
	if err := unpackKV(f, KVMessage, &m); err != nil {
		return nil, err
	}
	r := &ProbeReport{Success: s.Success, Message: m.Message}
	if f.HasKV(KVChanSet) {
		var c chanSetPayload
		if err := unpackKV(f, KVChanSet, &c); err != nil {
			return nil, err
		}
		r.Channels = c.Channels
	}
	return r, nil
}

// OpenReport is the parsed content of an OPENRESP frame.
type OpenReport struct {
	Success  bool
	Message  string
	UUID     string
	Channels []string
}

// ParseOpenResp extracts an open answer.
func ParseOpenResp(f *Frame) (*OpenReport, error) {
	var s successPayload
	if err := unpackKV(f, KVSuccess, &s); err != nil {
		return nil, err
	}
	var m messagePayload
	if err := unpackKV(f, KVMessage, &m); err != nil {
		return nil, err
	}
	var u uuidPayload
	if err := unpackKV(f, KVUUID, &u); err != nil {
		return nil, err
	}
	var c chanSetPayload
	if err := unpackKV(f, KVChanSet, &c); err != nil {
		return nil, err
	}
	return &OpenReport{Success: s.Success, Message: m.Message, UUID: u.UUID, Channels: c.Channels}, nil
}

// ParseListResp extracts the interface array of a LISTRESP frame.
func ParseListResp(f *Frame) ([]ListedInterface, error) {
	var p interfacesPayload
	if err := unpackKV(f, KVInterfaces, &p); err != nil {
		return nil, err
	}
	return p.Interfaces, nil
}

// DataReport is the parsed content of a DATA frame.
type DataReport struct {
	Packet    []byte
	SignalDBm int32
	GPS       *GPSFix
	DLT       uint32
	Sec       int64
	Usec      int64
}

// ParseData extracts a captured packet. GPS is optional.
func ParseData(f *Frame) (*DataReport, error) {
	var p packetPayload
	if err := unpackKV(f, KVPacket, &p); err != nil {
		return nil, err
	}
	var s signalPayload
	if err := unpackKV(f, KVSignal, &s); err != nil {
		return nil, err
	}
	var d dltPayload
	if err := unpackKV(f, KVDLT, &d); err != nil {
		return nil, err
	}
	var t tsPayload
	if err := unpackKV(f, KVTS, &t); err != nil {
		return nil, err
	}
	r := &DataReport{Packet: p.Packet, SignalDBm: s.SignalDBm, DLT: d.DLT, Sec: t.Sec, Usec: t.Usec}
	if f.HasKV(KVGPS) {
		var g GPSFix
		if err := unpackKV(f, KVGPS, &g); err != nil {
			return nil, err
		}
		r.GPS = &g
	}
	return r, nil
}

// MessageReport is the parsed content of a MESSAGE frame.
type MessageReport struct {
	Level   uint8
	Message string
}

// ParseMessage extracts a leveled diagnostic.
func ParseMessage(f *Frame) (*MessageReport, error) {
	var l levelPayload
	if err := unpackKV(f, KVLevel, &l); err != nil {
		return nil, err
	}
	var m messagePayload
	if err := unpackKV(f, KVMessage, &m); err != nil {
		return nil, err
	}
	return &MessageReport{Level: l.Level, Message: m.Message}, nil
}

// ParseError extracts the message of an ERROR frame.
func ParseError(f *Frame) (string, error) {
	var m messagePayload
	if err := unpackKV(f, KVMessage, &m); err != nil {
		return "", err
	}
	return m.Message, nil
}
