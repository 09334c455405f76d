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
	"cmp"
	"slices"
	"time"
)

// mergeState maps grouping keys to the buckets of their in-flight partial
// chains.
//
// This struct is not thread safe and requires external synchronization, the
// merger only ever touches it from the expiration loop.
type mergeState struct {
	buckets map[string]*bucket

	// Zero means the merged payload is unbounded.
	maxMergedLineBytes int

	now     func() time.Time
	diag    Diagnostics
	metrics *mergeMetrics

	// Called with every event that is discarded because its chain crossed
	// the ceiling.
	onDrop func(*Event)
}

func newMergeState(maxMergedLineBytes int) *mergeState {
	return &mergeState{
		buckets:            map[string]*bucket{},
		maxMergedLineBytes: maxMergedLineBytes,
		now:                time.Now,
	}
}

func (s *mergeState) exceedsLimit(size int) bool {
	return s.maxMergedLineBytes > 0 && size > s.maxMergedLineBytes
}

func (s *mergeState) reportTooBig(fragment []byte, size int) {
	if s.diag == nil {
		return
	}
	s.diag.MergedLineTooBig(MergedLineTooBig{
		Event:                fragment,
		ConfiguredLimit:      s.maxMergedLineBytes,
		EncounteredSizeSoFar: size,
	})
}

// addEvent folds an event into the bucket of its grouping key, creating the
// bucket with a deadline of now+expiration when the key is not yet buffered.
// The deadline of an existing bucket is never extended.
func (s *mergeState) addEvent(event *Event, key string, messagePath fieldPath, expiration time.Duration) {
	b, exists := s.buckets[key]
	if !exists {
		b = &bucket{event: event, expiration: s.now().Add(expiration)}

		payload := asBytes(messagePath.get(event.Message))
		if s.exceedsLimit(len(payload)) {
			s.reportTooBig(payload, len(payload))
			b.overflow()
		}

		s.buckets[key] = b
		s.metrics.SetOpenChains(len(s.buckets))
		return
	}

	if b.overflowed() {
		b.event.absorb(event)
		return
	}

	prev := asBytes(messagePath.get(b.event.Message))
	next := asBytes(messagePath.get(event.Message))

	merged := make([]byte, 0, len(prev)+len(next))
	merged = append(merged, prev...)
	merged = append(merged, next...)

	b.event.absorb(event)
	if s.exceedsLimit(len(merged)) {
		s.reportTooBig(next, len(merged))
		b.overflow()
		return
	}
	messagePath.setBytes(b.event.Message, merged)
}

// removeEvent clears the bucket of a key and returns its event, unless the
// chain crossed the ceiling in which case it is dropped.
func (s *mergeState) removeEvent(key string) (*Event, bool) {
	b, exists := s.buckets[key]
	if !exists {
		return nil, false
	}
	delete(s.buckets, key)
	s.metrics.SetOpenChains(len(s.buckets))

	if b.overflowed() {
		s.drop(b)
		return nil, false
	}
	s.metrics.IncEmitted()
	return b.event, true
}

type keyedBucket struct {
	key string
	*bucket
}

func sortByDeadline(buckets []keyedBucket) {
	slices.SortFunc(buckets, func(a, b keyedBucket) int {
		if c := a.expiration.Compare(b.expiration); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
}

// emitExpiredEvents removes every bucket whose deadline has passed, emitting
// those within the ceiling in the order their deadlines elapsed.
func (s *mergeState) emitExpiredEvents(emit func(*Event)) {
	now := s.now()

	var expired []keyedBucket
	for key, b := range s.buckets {
		if now.Before(b.expiration) {
			continue
		}
		expired = append(expired, keyedBucket{key: key, bucket: b})
		delete(s.buckets, key)
	}
	if len(expired) == 0 {
		return
	}
	s.metrics.SetOpenChains(len(s.buckets))

	sortByDeadline(expired)
	for _, b := range expired {
		if b.overflowed() {
			s.drop(b.bucket)
			continue
		}
		s.metrics.IncExpired()
		s.metrics.IncEmitted()
		emit(b.event)
	}
}

// flushEvents drains every remaining bucket. The state must not be used
// afterwards.
func (s *mergeState) flushEvents(emit func(*Event)) {
	remaining := make([]keyedBucket, 0, len(s.buckets))
	for key, b := range s.buckets {
		remaining = append(remaining, keyedBucket{key: key, bucket: b})
	}
	clear(s.buckets)
	s.metrics.SetOpenChains(0)

	sortByDeadline(remaining)
	for _, b := range remaining {
		if b.overflowed() {
			s.drop(b.bucket)
			continue
		}
		s.metrics.IncEmitted()
		emit(b.event)
	}
}

func (s *mergeState) drop(b *bucket) {
	s.metrics.IncDropped()
	if s.onDrop != nil {
		s.onDrop(b.event)
	}
}
