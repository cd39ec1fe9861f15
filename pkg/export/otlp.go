// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

// OTLPSink ships events as OTLP log records and metric points as OTLP
// metrics over a single gRPC channel. The channel is dialed once;
// reconnection after collector restarts is left to the gRPC client itself,
// and a refused Export simply fails the batch so the pipeline's gate takes
// over.
type OTLPSink struct {
	conn *grpc.ClientConn

	logs    collogspb.LogsServiceClient
	metrics colmetricspb.MetricsServiceClient

	resource *resourcepb.Resource
	scope    *commonpb.InstrumentationScope
}

// NewOTLPSink dials the collector endpoint. Dialing is non-blocking; a
// collector that is down at startup is picked up when it appears.
func NewOTLPSink(endpoint string, insecureConn bool, serviceName string, logger *zap.Logger) (*OTLPSink, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(4*1024*1024),
			grpc.UseCompressor(gzip.Name),
		),
	}
	if insecureConn {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.Dial(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial OTLP endpoint %s: %w", endpoint, err)
	}
	logger.Info("OTLP sink attached", zap.String("endpoint", endpoint))

	hostname, _ := os.Hostname()
	return &OTLPSink{
		conn:    conn,
		logs:    collogspb.NewLogsServiceClient(conn),
		metrics: colmetricspb.NewMetricsServiceClient(conn),
		resource: &resourcepb.Resource{Attributes: protoAttrs(map[string]any{
			"service.name":        serviceName,
			"service.instance.id": fmt.Sprintf("%s-%d", hostname, os.Getpid()),
			"host.name":           hostname,
			"host.arch":           runtime.GOARCH,
			"process.pid":         os.Getpid(),
		})},
		scope: &commonpb.InstrumentationScope{Name: "kismet"},
	}, nil
}

// ShipEvents implements Sink.
func (s *OTLPSink) ShipEvents(ctx context.Context, events []*EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]*logspb.LogRecord, 0, len(events))
	for _, ev := range events {
		fields := map[string]any{
			"event.channel": ev.Channel,
		}
		if ev.SourceUUID != "" {
			fields["source.uuid"] = ev.SourceUUID
		}
		for k, v := range ev.Attrs {
			fields[k] = v
		}
		records = append(records, &logspb.LogRecord{
			TimeUnixNano:   uint64(ev.Time.UnixNano()),
			SeverityText:   ev.Severity,
			SeverityNumber: logspb.SeverityNumber(ev.SeverityNum),
			Body:           anyValue(ev.Body),
			Attributes:     protoAttrs(fields),
		})
	}

	_, err := s.logs.Export(ctx, &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: s.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      s.scope,
				LogRecords: records,
			}},
		}},
	})
	return err
}

// ShipMetrics implements Sink.
func (s *OTLPSink) ShipMetrics(ctx context.Context, points []*MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	converted := make([]*metricspb.Metric, 0, len(points))
	for _, pt := range points {
		labels := make(map[string]any, len(pt.Labels))
		for k, v := range pt.Labels {
			labels[k] = v
		}
		dp := &metricspb.NumberDataPoint{
			TimeUnixNano: uint64(pt.Time.UnixNano()),
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: pt.Value},
			Attributes:   protoAttrs(labels),
		}

		m := &metricspb.Metric{Name: pt.Name, Unit: pt.Unit}
		if pt.Kind == KindCounter {
			m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				IsMonotonic:            true,
				DataPoints:             []*metricspb.NumberDataPoint{dp},
			}}
		} else {
			m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
				DataPoints: []*metricspb.NumberDataPoint{dp},
			}}
		}
		converted = append(converted, m)
	}

	_, err := s.metrics.Export(ctx, &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: s.resource,
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   s.scope,
				Metrics: converted,
			}},
		}},
	})
	return err
}

// Close implements Sink.
func (s *OTLPSink) Close(context.Context) error {
	return s.conn.Close()
}

// protoAttrs converts a field map to OTLP key-values.
func protoAttrs(fields map[string]any) []*commonpb.KeyValue {
	out := make([]*commonpb.KeyValue, 0, len(fields))
	for k, v := range fields {
		out = append(out, &commonpb.KeyValue{Key: k, Value: anyValue(v)})
	}
	return out
}

// anyValue wraps a Go value in an OTLP AnyValue. Strings are scrubbed to
// valid UTF-8 since packet payload fragments can leak into child messages.
func anyValue(v any) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{
			StringValue: strings.ToValidUTF8(val, "�"),
		}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case uint8:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case uint32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case uint64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{
			StringValue: strings.ToValidUTF8(fmt.Sprint(v), "�"),
		}}
	}
}
