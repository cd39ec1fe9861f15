// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// StdoutSink prints telemetry to stdout for debugging and for piping into
// external tooling.
type StdoutSink struct {
	json bool
	out  io.Writer
}

// NewStdoutSink creates a stdout sink. format is "text" or "json".
func NewStdoutSink(format string) *StdoutSink {
	return &StdoutSink{json: format == "json", out: os.Stdout}
}

// ShipEvents implements Sink.
func (s *StdoutSink) ShipEvents(_ context.Context, events []*EventRecord) error {
	for _, ev := range events {
		if s.json {
			s.printJSON("event", map[string]any{
				"time":     ev.Time.Format(time.RFC3339Nano),
				"severity": ev.Severity,
				"channel":  ev.Channel,
				"source":   ev.SourceUUID,
				"body":     ev.Body,
				"attrs":    ev.Attrs,
			})
			continue
		}
		src := ""
		if ev.SourceUUID != "" {
			src = " source=" + ev.SourceUUID
		}
		fmt.Fprintf(s.out, "[EVENT] %-5s %-14s%s %s\n", ev.Severity, ev.Channel, src, ev.Body)
	}
	return nil
}

// ShipMetrics implements Sink.
func (s *StdoutSink) ShipMetrics(_ context.Context, points []*MetricPoint) error {
	for _, pt := range points {
		if s.json {
			s.printJSON("metric", map[string]any{
				"time":   pt.Time.Format(time.RFC3339Nano),
				"name":   pt.Name,
				"kind":   kindName(pt.Kind),
				"value":  pt.Value,
				"unit":   pt.Unit,
				"labels": pt.Labels,
			})
			continue
		}
		fmt.Fprintf(s.out, "[METRIC] %-40s %s %.4f %s %s\n",
			pt.Name, kindName(pt.Kind), pt.Value, pt.Unit, labelString(pt.Labels))
	}
	return nil
}

// Close implements Sink.
func (s *StdoutSink) Close(context.Context) error { return nil }

func (s *StdoutSink) printJSON(kind string, fields map[string]any) {
	fields["kind"] = kind
	b, err := json.Marshal(fields)
	if err != nil {
		return
	}
	fmt.Fprintln(s.out, string(b))
}

func kindName(k PointKind) string {
	if k == KindCounter {
		return "counter"
	}
	return "gauge"
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
