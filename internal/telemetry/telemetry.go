// Package telemetry 基于 OpenTelemetry metric 的监控实现
//
// Recorder 同时实现 realtime.Metrics、forward.Metrics，Transport() 返回 ws.Metrics
package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/tokmz/qim/pkg/ws"
)

const scope = "github.com/tokmz/qim"

// Recorder 指标记录器
type Recorder struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	connections     metric.Int64UpDownCounter
	handshakeFailed metric.Int64Counter
	events          metric.Int64Counter
	rateLimited     metric.Int64Counter
	handlerErrors   metric.Int64Counter
	rooms           metric.Int64UpDownCounter
	broadcasts      metric.Int64Counter
	recipients      metric.Int64Histogram
	sendDropped     metric.Int64Counter

	wsConnections  metric.Int64UpDownCounter
	framesReceived metric.Int64Counter
	invalidFrames  metric.Int64Counter
	framesDropped  metric.Int64Counter
	writeErrors    metric.Int64Counter

	forwardSent    metric.Int64Counter
	forwardFailed  metric.Int64Counter
	forwardDropped metric.Int64Counter
}

// New 创建带手动读取器的 MeterProvider 及全部指标
func New(serviceName string) (*Recorder, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	r := &Recorder{provider: provider, reader: reader}
	if err := r.init(provider.Meter(scope)); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *Recorder) init(m metric.Meter) error {
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	updown := func(name, desc string) metric.Int64UpDownCounter {
		if err != nil {
			return nil
		}
		var c metric.Int64UpDownCounter
		c, err = m.Int64UpDownCounter(name, metric.WithDescription(desc))
		return c
	}

	r.connections = updown("qim.connections.active", "Active authenticated connections")
	r.handshakeFailed = counter("qim.handshakes.failed", "Rejected handshakes")
	r.events = counter("qim.events.handled", "Inbound events dispatched to a handler")
	r.rateLimited = counter("qim.events.rate_limited", "Inbound events rejected by the rate ledger")
	r.handlerErrors = counter("qim.events.errors", "Handler errors by code")
	r.rooms = updown("qim.rooms.active", "Rooms with at least one member")
	r.broadcasts = counter("qim.broadcasts", "Room broadcasts")
	r.sendDropped = counter("qim.send.dropped", "Outbound frames dropped by full send queues")

	r.wsConnections = updown("qim.ws.connections", "Open websocket transports")
	r.framesReceived = counter("qim.ws.frames.received", "Inbound websocket frames")
	r.invalidFrames = counter("qim.ws.frames.invalid", "Undecodable inbound frames")
	r.framesDropped = counter("qim.ws.frames.dropped", "Outbound frames dropped by the transport")
	r.writeErrors = counter("qim.ws.write_errors", "Websocket write failures")

	r.forwardSent = counter("qim.forward.sent", "Messages handed to an outbound sink")
	r.forwardFailed = counter("qim.forward.failed", "Outbound sink failures")
	r.forwardDropped = counter("qim.forward.dropped", "Messages dropped by a full forward queue")
	if err != nil {
		return fmt.Errorf("telemetry: create instrument: %w", err)
	}

	r.recipients, err = m.Int64Histogram("qim.broadcast.recipients",
		metric.WithDescription("Recipients per room broadcast"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 50, 100, 500),
	)
	if err != nil {
		return fmt.Errorf("telemetry: create instrument: %w", err)
	}
	return nil
}

func eventAttr(event string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event", event))
}

func (r *Recorder) ConnectionActivated() { r.connections.Add(context.Background(), 1) }
func (r *Recorder) ConnectionClosed()    { r.connections.Add(context.Background(), -1) }
func (r *Recorder) HandshakeFailed()     { r.handshakeFailed.Add(context.Background(), 1) }
func (r *Recorder) EventHandled(event string) {
	r.events.Add(context.Background(), 1, eventAttr(event))
}
func (r *Recorder) RateLimited(event string) {
	r.rateLimited.Add(context.Background(), 1, eventAttr(event))
}

func (r *Recorder) HandlerError(event, code string) {
	r.handlerErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("code", code),
	))
}

func (r *Recorder) RoomCreated() { r.rooms.Add(context.Background(), 1) }
func (r *Recorder) RoomDeleted() { r.rooms.Add(context.Background(), -1) }

func (r *Recorder) Broadcast(event string, recipients int) {
	ctx := context.Background()
	r.broadcasts.Add(ctx, 1, eventAttr(event))
	r.recipients.Record(ctx, int64(recipients), eventAttr(event))
}

func (r *Recorder) SendDropped() { r.sendDropped.Add(context.Background(), 1) }

func (r *Recorder) ForwardSent(sink string) {
	r.forwardSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (r *Recorder) ForwardFailed(sink string) {
	r.forwardFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (r *Recorder) ForwardDropped() { r.forwardDropped.Add(context.Background(), 1) }

// Transport 传输层指标
func (r *Recorder) Transport() ws.Metrics {
	return transportMetrics{r}
}

type transportMetrics struct{ r *Recorder }

var _ ws.Metrics = transportMetrics{}

func (t transportMetrics) ConnectionOpened() { t.r.wsConnections.Add(context.Background(), 1) }
func (t transportMetrics) ConnectionClosed() { t.r.wsConnections.Add(context.Background(), -1) }
func (t transportMetrics) FrameReceived()    { t.r.framesReceived.Add(context.Background(), 1) }
func (t transportMetrics) InvalidFrame()     { t.r.invalidFrames.Add(context.Background(), 1) }
func (t transportMetrics) FrameDropped()     { t.r.framesDropped.Add(context.Background(), 1) }
func (t transportMetrics) WriteError()       { t.r.writeErrors.Add(context.Background(), 1) }

// Point 一个数据点
type Point struct {
	Name       string `json:"name"`
	Attributes string `json:"attributes,omitempty"`
	Value      int64  `json:"value"`
}

// Snapshot 收集当前所有数据点，按名称、属性排序
// 直方图输出 <name>.count 与 <name>.sum
func (r *Recorder) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("telemetry: collect: %w", err)
	}

	var points []Point
	enc := attribute.DefaultEncoder()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: dp.Attributes.Encoded(enc), Value: dp.Value})
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					attrs := dp.Attributes.Encoded(enc)
					points = append(points,
						Point{Name: m.Name + ".count", Attributes: attrs, Value: int64(dp.Count)},
						Point{Name: m.Name + ".sum", Attributes: attrs, Value: dp.Sum},
					)
				}
			}
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Name != points[j].Name {
			return points[i].Name < points[j].Name
		}
		return points[i].Attributes < points[j].Attributes
	})
	return points, nil
}

// Shutdown 关闭 MeterProvider
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
