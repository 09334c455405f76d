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
	"context"
	"fmt"
	"time"

	"github.com/redpanda-data/partialmerge/internal/asyncroutine"
)

const (
	defaultExpiration   = 30 * time.Second
	defaultTickInterval = time.Second
)

type mergerOptions struct {
	componentName string
	expiration    time.Duration
	tickInterval  time.Duration
	diag          Diagnostics
	metrics       *mergeMetrics
	onDrop        func(*Event)
}

// MergerOpt customises the behaviour of MergePartialEvents.
type MergerOpt func(*mergerOptions)

// OptComponentName sets the metadata root consulted by the namespaced schema.
func OptComponentName(name string) MergerOpt {
	return func(o *mergerOptions) {
		o.componentName = name
	}
}

// OptDiagnostics sets the sink that receives reports of chains crossing the
// ceiling of merged line bytes.
func OptDiagnostics(d Diagnostics) MergerOpt {
	return func(o *mergerOptions) {
		o.diag = d
	}
}

// OptOnDrop sets a function called with the events of chains that are
// discarded for crossing the ceiling of merged line bytes.
func OptOnDrop(fn func(*Event)) MergerOpt {
	return func(o *mergerOptions) {
		o.onDrop = fn
	}
}

// OptExpiration overrides the maximum lifetime of a partial chain, which is
// otherwise 30 seconds. Only tests should need this.
func OptExpiration(d time.Duration) MergerOpt {
	return func(o *mergerOptions) {
		o.expiration = d
	}
}

// OptTickInterval overrides how often expired chains are swept, which is
// otherwise once per second.
func OptTickInterval(d time.Duration) MergerOpt {
	return func(o *mergerOptions) {
		o.tickInterval = d
	}
}

func optMetrics(m *mergeMetrics) MergerOpt {
	return func(o *mergerOptions) {
		o.metrics = m
	}
}

// MergePartialEvents consumes a stream of log events and merges partial
// fragments that share a grouping key (the source file) into single events.
//
// A chain is emitted as soon as a non-partial fragment completes it, once its
// lifetime expires, or when the input channel is closed. Chains whose merged
// message exceeds maxMergedLineBytes are reported and dropped, a
// maxMergedLineBytes of zero disables the limit.
//
// Each call owns its own merge state, the returned channel is closed once the
// input has been closed and the remaining chains have been flushed, or once
// the context is cancelled.
func MergePartialEvents(
	ctx context.Context,
	in <-chan *Event,
	ns Namespace,
	maxMergedLineBytes int,
	opts ...MergerOpt,
) (<-chan *Event, error) {
	o := mergerOptions{
		componentName: DefaultComponentName,
		expiration:    defaultExpiration,
		tickInterval:  defaultTickInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if maxMergedLineBytes < 0 {
		return nil, fmt.Errorf("max merged line bytes must not be negative, got: %v", maxMergedLineBytes)
	}

	paths := pathsFor(ns, o.componentName)

	state := newMergeState(maxMergedLineBytes)
	state.diag = o.diag
	state.metrics = o.metrics
	state.onDrop = o.onDrop

	return asyncroutine.MapWithExpiration(ctx, state, in, o.tickInterval, asyncroutine.ExpirationHandlers[*mergeState, *Event, *Event]{
		OnItem: func(s *mergeState, e *Event, emitter *asyncroutine.Emitter[*Event]) {
			// Both fields must be read before the event is handed to the
			// state, which may discard its message.
			isPartial := asBool(paths.partial.get(e.Message))
			key := asString(paths.file.get(e.Message))

			s.addEvent(e, key, paths.message, o.expiration)
			if isPartial {
				return
			}
			if merged, ok := s.removeEvent(key); ok {
				emitter.Emit(merged)
			}
		},
		OnTick: func(s *mergeState, emitter *asyncroutine.Emitter[*Event]) {
			s.emitExpiredEvents(emitter.Emit)
		},
		OnEnd: func(s *mergeState, emitter *asyncroutine.Emitter[*Event]) {
			s.flushEvents(emitter.Emit)
		},
	})
}
