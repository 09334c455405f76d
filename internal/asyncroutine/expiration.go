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

package asyncroutine

import (
	"context"
	"errors"
	"time"
)

type (
	// Emitter collects the outputs produced by a single handler invocation of
	// MapWithExpiration. A handler may emit zero or more items.
	Emitter[T any] struct {
		items []T
	}

	// ExpirationHandlers are the callbacks invoked by MapWithExpiration. Calls
	// are strictly serialized, so handlers may mutate the state freely.
	ExpirationHandlers[S, In, Out any] struct {
		// OnItem is called once per input item, in arrival order.
		OnItem func(state S, item In, emitter *Emitter[Out])

		// OnTick is called at least once per tick interval while the input is
		// open.
		OnTick func(state S, emitter *Emitter[Out])

		// OnEnd is called exactly once after the input channel is closed and
		// after every prior OnItem and OnTick call.
		OnEnd func(state S, emitter *Emitter[Out])
	}
)

// Emit adds an item to the outputs of the current handler invocation.
func (e *Emitter[T]) Emit(item T) {
	e.items = append(e.items, item)
}

func (e *Emitter[T]) reset() {
	clear(e.items)
	e.items = e.items[:0]
}

var errInvalidTickInterval = errors.New("tick interval must be greater than zero")

// MapWithExpiration creates a background goroutine that owns `state` and folds
// the items of `in` into it, emitting zero or more outputs per item. The state
// is also given to OnTick on every tick so that time based expiry can be
// implemented, and to OnEnd once the input channel is closed.
//
// The returned channel is closed after OnEnd has run and all of its outputs
// have been delivered. Cancelling the context abandons the state without
// calling OnEnd, any outputs that have not been delivered are dropped.
func MapWithExpiration[S, In, Out any](
	ctx context.Context,
	state S,
	in <-chan In,
	tickInterval time.Duration,
	handlers ExpirationHandlers[S, In, Out],
) (<-chan Out, error) {
	if tickInterval <= 0 {
		return nil, errInvalidTickInterval
	}
	out := make(chan Out)
	go runExpirationLoop(ctx, state, in, out, tickInterval, handlers)
	return out, nil
}

func runExpirationLoop[S, In, Out any](
	ctx context.Context,
	state S,
	in <-chan In,
	out chan<- Out,
	tickInterval time.Duration,
	handlers ExpirationHandlers[S, In, Out],
) {
	defer close(out)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var emitter Emitter[Out]
	deliver := func() bool {
		defer emitter.reset()
		for _, item := range emitter.items {
			select {
			case out <- item:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for {
		select {
		case item, open := <-in:
			if !open {
				if handlers.OnEnd != nil {
					handlers.OnEnd(state, &emitter)
				}
				_ = deliver()
				return
			}
			if handlers.OnItem != nil {
				handlers.OnItem(state, item, &emitter)
			}
		case <-ticker.C:
			if handlers.OnTick != nil {
				handlers.OnTick(state, &emitter)
			}
		case <-ctx.Done():
			return
		}
		if !deliver() {
			return
		}
	}
}
