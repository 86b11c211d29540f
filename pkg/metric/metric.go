// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics and exporting
// them in the Prometheus text exposition format.
package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. All counters are cumulative.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// counters holds one counter per combination of field values, keyed by
	// the values joined with keySep.
	counters map[string]*atomic.Uint64
}

const keySep = "\x00"

var (
	mu sync.Mutex

	// allMetrics are the registered metrics, keyed by name.
	allMetrics = make(map[string]*Uint64Metric)
)

// validName reports whether name has the form "/component/metric" with
// only lowercase letters, digits and underscores in each component.
func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, r := range name[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '/':
		default:
			return false
		}
	}
	return true
}

func combinations(fields []Field) []string {
	keys := []string{""}
	for i, f := range fields {
		var next []string
		for _, k := range keys {
			for _, v := range f.allowedValues {
				if i == 0 {
					next = append(next, v)
				} else {
					next = append(next, k+keySep+v)
				}
			}
		}
		keys = next
	}
	return keys
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid metric name %q", name)
	}
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("metric %q field %q has no allowed values", name, f.name)
		}
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		counters:    make(map[string]*atomic.Uint64),
	}
	for _, k := range combinations(fields) {
		m.counters[k] = new(atomic.Uint64)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, fmt.Errorf("metric %q already registered", name)
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) counter(fieldValues []string) *atomic.Uint64 {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %q takes %d field values, got %d", m.name, len(m.fields), len(fieldValues)))
	}
	c, ok := m.counters[strings.Join(fieldValues, keySep)]
	if !ok {
		panic(fmt.Sprintf("metric %q: disallowed field values %v", m.name, fieldValues))
	}
	return c
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counter(fieldValues).Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counter(fieldValues).Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counter(fieldValues).Add(v)
}

// prometheusName converts "/tcp/segments_sent" to "ibboot_tcp_segments_sent".
func prometheusName(name string) string {
	return "ibboot" + strings.ReplaceAll(name, "/", "_")
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(prometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	keys := make([]string, 0, len(m.counters))
	for k := range m.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		metric := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.counters[k].Load()))},
		}
		if len(m.fields) > 0 {
			for i, v := range strings.Split(k, keySep) {
				metric.Label = append(metric.Label, &dto.LabelPair{
					Name:  proto.String(m.fields[i].name),
					Value: proto.String(v),
				})
			}
		}
		mf.Metric = append(mf.Metric, metric)
	}
	return mf
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format, sorted by name.
func WriteText(w io.Writer) error {
	mu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	metrics := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, allMetrics[name])
	}
	mu.Unlock()

	for _, m := range metrics {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}

// Metadata describes a registered metric.
type Metadata struct {
	Name        string
	Description string
	Fields      []string
}

// AllMetadata returns the metadata of every registered metric, sorted by
// name.
func AllMetadata() []Metadata {
	mu.Lock()
	defer mu.Unlock()
	md := make([]Metadata, 0, len(allMetrics))
	for _, m := range allMetrics {
		var fields []string
		for _, f := range m.fields {
			fields = append(fields, f.name)
		}
		md = append(md, Metadata{Name: m.name, Description: m.description, Fields: fields})
	}
	sort.Slice(md, func(i, j int) bool { return md[i].Name < md[j].Name })
	return md
}
