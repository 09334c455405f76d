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

	"go.uber.org/multierr"

	"github.com/redpanda-data/benthos/v4/public/service"
)

// Event is a log record travelling through the merger along with the
// acknowledgement functions of every fragment folded into it.
type Event struct {
	Message *service.Message
	ackFns  []service.AckFunc
}

// NewEvent wraps a message and its (optional) acknowledgement function.
func NewEvent(msg *service.Message, ackFn service.AckFunc) *Event {
	e := &Event{Message: msg}
	if ackFn != nil {
		e.ackFns = append(e.ackFns, ackFn)
	}
	return e
}

// absorb takes ownership of the acknowledgements of another event.
func (e *Event) absorb(other *Event) {
	e.ackFns = append(e.ackFns, other.ackFns...)
	other.ackFns = nil
}

// Ack calls the acknowledgement function of every fragment of the event.
func (e *Event) Ack(ctx context.Context, err error) (ackErr error) {
	for _, fn := range e.ackFns {
		ackErr = multierr.Append(ackErr, fn(ctx, err))
	}
	e.ackFns = nil
	return
}
