package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// OtelMeter bridges to an OpenTelemetry meter. Instruments are created on
// first use and cached by name.
type OtelMeter struct {
	m          metric.Meter
	counters   sync.Map // name -> metric.Float64Counter
	histograms sync.Map // name -> metric.Float64Histogram
	onError    func(error)
}

func NewOtelMeter(m metric.Meter, onError func(error)) *OtelMeter {
	if onError == nil {
		onError = func(error) {}
	}
	return &OtelMeter{m: m, onError: onError}
}

func (o *OtelMeter) Counter(name string, value float64, labels ...Label) {
	c, ok := o.counters.Load(name)
	if !ok {
		created, err := o.m.Float64Counter(name)
		if err != nil {
			o.onError(err)
			return
		}
		c, _ = o.counters.LoadOrStore(name, created)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func (o *OtelMeter) Histogram(name string, value float64, labels ...Label) {
	h, ok := o.histograms.Load(name)
	if !ok {
		created, err := o.m.Float64Histogram(name)
		if err != nil {
			o.onError(err)
			return
		}
		h, _ = o.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels []Label) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	kv := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		kv[i] = attribute.String(l.Key, l.Value)
	}
	return kv
}
