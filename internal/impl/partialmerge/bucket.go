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
	"time"
)

type bucketState int

const (
	bucketBuffering bucketState = iota
	bucketOverflowed
)

// bucket is the in-flight merge state of a single grouping key.
//
// Once overflowed the bucket no longer holds a message, only the
// acknowledgements of the fragments it absorbed. An overflowed bucket is never
// emitted and never returns to buffering.
type bucket struct {
	state      bucketState
	event      *Event
	expiration time.Time
}

func (b *bucket) overflowed() bool {
	return b.state == bucketOverflowed
}

func (b *bucket) overflow() {
	b.state = bucketOverflowed
	b.event.Message = nil
}
