// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package source

import (
	"fmt"
	"strings"
)

// Reserved option keys understood by the tracker and every driver.
const (
	OptType     = "type"
	OptUUID     = "uuid"
	OptName     = "name"
	OptChannels = "channels"
	OptChannel  = "channel"
	OptRetry    = "retry"
)

// TypeAuto marks a definition whose driver must be resolved by probing.
const TypeAuto = "auto"

// Definition is a parsed source specifier of the form
// interface[:key=value[,key=value...]]. Values may be double-quoted to
// contain commas. Keys are lower-ASCII.
type Definition struct {
	Raw       string
	Interface string
	Options   map[string]string
}

// ParseDefinition parses a textual source definition.
func ParseDefinition(raw string) (*Definition, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty source definition")
	}

	d := &Definition{Raw: raw, Options: make(map[string]string)}

	iface, rest, hasOpts := strings.Cut(raw, ":")
	if iface == "" {
		return nil, fmt.Errorf("source definition %q has no interface", raw)
	}
	d.Interface = iface
	if !hasOpts {
		return d, nil
	}
	if rest == "" {
		return nil, fmt.Errorf("source definition %q has a trailing colon", raw)
	}

	for len(rest) > 0 {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed option in %q", raw)
		}
		key := rest[:eq]
		if !validOptionKey(key) {
			return nil, fmt.Errorf("invalid option key %q in %q", key, raw)
		}
		rest = rest[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote in %q", raw)
			}
			value = rest[1 : 1+end]
			rest = rest[2+end:]
			if len(rest) > 0 {
				if rest[0] != ',' {
					return nil, fmt.Errorf("garbage after quoted value in %q", raw)
				}
				rest = rest[1:]
			}
		} else {
			if comma := strings.IndexByte(rest, ','); comma >= 0 {
				value = rest[:comma]
				rest = rest[comma+1:]
			} else {
				value = rest
				rest = ""
			}
		}

		d.Options[key] = value
	}

	return d, nil
}

func validOptionKey(key string) bool {
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return len(key) > 0
}

// Type returns the requested driver type, or "auto" when probing is needed.
func (d *Definition) Type() string {
	t := d.Options[OptType]
	if t == "" {
		return TypeAuto
	}
	return t
}

// Name returns the human label, defaulting to the interface name.
func (d *Definition) Name() string {
	if n := d.Options[OptName]; n != "" {
		return n
	}
	return d.Interface
}

// UUID returns the pinned source UUID, or "" when the tracker should assign
// one.
func (d *Definition) UUID() string {
	return d.Options[OptUUID]
}

// Channels returns the channel list option, split on commas.
func (d *Definition) Channels() []string {
	raw := d.Options[OptChannels]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Retry reports whether the source should be retried after transient
// errors. Defaults to true.
func (d *Definition) Retry() bool {
	switch strings.ToLower(d.Options[OptRetry]) {
	case "false", "0", "no":
		return false
	default:
		return true
	}
}
