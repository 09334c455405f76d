// Copyright 2025 Redpanda Data, Inc.
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

package partialmerge

import (
	"github.com/dustin/go-humanize"

	"github.com/redpanda-data/benthos/v4/public/service"
)

const previewBytes = 128

// MergedLineTooBig is reported once for each partial chain at the moment its
// merged payload crosses the configured ceiling.
type MergedLineTooBig struct {
	// Event is the payload of the fragment that pushed the chain over.
	Event                []byte
	ConfiguredLimit      int
	EncounteredSizeSoFar int
}

// Diagnostics receives reports about chains that are going to be dropped.
// Reports are fire and forget.
type Diagnostics interface {
	MergedLineTooBig(d MergedLineTooBig)
}

type resourceDiagnostics struct {
	log    *service.Logger
	tooBig *service.MetricCounter
}

func newResourceDiagnostics(res *service.Resources) *resourceDiagnostics {
	return &resourceDiagnostics{
		log:    res.Logger(),
		tooBig: res.Metrics().NewCounter("partial_merge_line_too_big_total"),
	}
}

func (r *resourceDiagnostics) MergedLineTooBig(d MergedLineTooBig) {
	r.tooBig.Incr(1)
	r.log.With(
		"configured_limit", d.ConfiguredLimit,
		"encountered_size_so_far", d.EncounteredSizeSoFar,
	).Warnf(
		"Found line that exceeds max_merged_line_bytes of %v (reached %v so far), the line will be discarded",
		humanize.IBytes(uint64(d.ConfiguredLimit)), humanize.IBytes(uint64(d.EncounteredSizeSoFar)),
	)

	preview := d.Event
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	r.log.Tracef("Fragment exceeding max_merged_line_bytes begins with: %q", preview)
}

//------------------------------------------------------------------------------

type mergeMetrics struct {
	merged     *service.MetricCounter
	expired    *service.MetricCounter
	dropped    *service.MetricCounter
	openChains *service.MetricGauge
}

func newMergeMetrics(m *service.Metrics) *mergeMetrics {
	return &mergeMetrics{
		merged:     m.NewCounter("partial_merge_emitted_total"),
		expired:    m.NewCounter("partial_merge_expired_total"),
		dropped:    m.NewCounter("partial_merge_dropped_total"),
		openChains: m.NewGauge("partial_merge_open_chains"),
	}
}

func (mm *mergeMetrics) IncEmitted() {
	if mm == nil {
		return
	}
	mm.merged.Incr(1)
}

func (mm *mergeMetrics) IncExpired() {
	if mm == nil {
		return
	}
	mm.expired.Incr(1)
}

func (mm *mergeMetrics) IncDropped() {
	if mm == nil {
		return
	}
	mm.dropped.Incr(1)
}

func (mm *mergeMetrics) SetOpenChains(n int) {
	if mm == nil {
		return
	}
	mm.openChains.Set(int64(n))
}
