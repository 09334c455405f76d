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
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Jeffail/shutdown"
	"github.com/dustin/go-humanize"

	"github.com/redpanda-data/benthos/v4/public/service"
)

const (
	pmFieldNamespace          = "namespace"
	pmFieldMaxMergedLineBytes = "max_merged_line_bytes"
	pmFieldComponentName      = "component_name"
)

func partialMergeBufferConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Beta().
		Categories("Utility").
		Summary("Reassembles log lines that were split by their source into several partial records.").
		Description(`
Container runtimes split long log lines into chunks, each written as its own record and flagged as partial. This buffer folds the partial records of each source file back into a single record, the messages are concatenated in arrival order without a separator. A record that isn't flagged as partial completes the chain of its file and the merged record is released immediately.

Chains are grouped by the `+"`file`"+` field, records without one share a single chain. A chain that isn't completed within 30 seconds of its first fragment is released as it is, and any chains still open when the input ends are released before the buffer shuts down.

## Size Limits

When `+"[`max_merged_line_bytes`](#max_merged_line_bytes)"+` is set, a chain whose merged message grows beyond it is logged once and then discarded along with all of its remaining fragments.

## Delivery Guarantees

The fragments of a chain are acknowledged once the merged record is delivered. Chains discarded for exceeding the size limit are acknowledged without being delivered. During a forced shutdown open chains are not acknowledged, and therefore their fragments will be redelivered by inputs that support it.
`).
		Fields(
			service.NewStringAnnotatedEnumField(pmFieldNamespace, map[string]string{
				"legacy":     "Records are structured objects carrying the fields `_partial`, `file` and `message` at the top level, the `message` field is merged.",
				"namespaced": "Records carry `_partial` and `file` within a structured metadata value named after the producing component, the raw payload is merged.",
			}).
				Description("Where the fields consulted by the buffer live within each record.").
				Default("legacy"),
			service.NewStringField(pmFieldMaxMergedLineBytes).
				Description("An optional maximum size of a merged message, either as a number of bytes or a human readable size. Chains exceeding it are discarded. When empty merged messages are unbounded.").
				Default("").
				Example("32KiB").Example("1MB"),
			service.NewStringField(pmFieldComponentName).
				Description("The name of the structured metadata value holding the fields of namespaced records.").
				Default(DefaultComponentName).
				Advanced(),
		).
		Example("Merging Container Logs", "Merge the partial lines of container log records before parsing them as JSON.", `
buffer:
  partial_merge:
    namespace: legacy
    max_merged_line_bytes: 1MiB

pipeline:
  processors:
    - mapping: 'root = this.message.parse_json()'
`)
}

func init() {
	err := service.RegisterBatchBuffer(
		"partial_merge", partialMergeBufferConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchBuffer, error) {
			bConf, err := bufferConfigFromParsed(conf)
			if err != nil {
				return nil, err
			}
			return newPartialMergeBuffer(bConf, mgr)
		})
	if err != nil {
		panic(err)
	}
}

type bufferConfig struct {
	namespace          Namespace
	maxMergedLineBytes int
	componentName      string
}

func bufferConfigFromParsed(conf *service.ParsedConfig) (bConf bufferConfig, err error) {
	var nsStr string
	if nsStr, err = conf.FieldString(pmFieldNamespace); err != nil {
		return
	}
	if bConf.namespace, err = ParseNamespace(nsStr); err != nil {
		return
	}

	var sizeStr string
	if sizeStr, err = conf.FieldString(pmFieldMaxMergedLineBytes); err != nil {
		return
	}
	if sizeStr != "" {
		var size uint64
		if size, err = humanize.ParseBytes(sizeStr); err != nil {
			err = fmt.Errorf("failed to parse field '%v' as a byte size: %w", pmFieldMaxMergedLineBytes, err)
			return
		}
		if size == 0 || size > math.MaxInt {
			err = fmt.Errorf("field '%v' must be greater than zero and fit within an int, got: %v", pmFieldMaxMergedLineBytes, sizeStr)
			return
		}
		bConf.maxMergedLineBytes = int(size)
	}

	if bConf.componentName, err = conf.FieldString(pmFieldComponentName); err != nil {
		return
	}
	if bConf.componentName == "" {
		err = fmt.Errorf("field '%v' must not be empty", pmFieldComponentName)
	}
	return
}

//------------------------------------------------------------------------------

var (
	errInputEnded   = errors.New("message rejected as the input has ended")
	errBufferClosed = errors.New("message rejected as the buffer is closed")
)

type partialMergeBuffer struct {
	log *service.Logger

	inChan   chan *Event
	inMut    sync.RWMutex
	inClosed bool

	outChan <-chan *Event

	shutSig      *shutdown.Signaller
	hardStopDone context.CancelFunc
}

var _ service.BatchBuffer = &partialMergeBuffer{}

func newPartialMergeBuffer(conf bufferConfig, mgr *service.Resources, opts ...MergerOpt) (*partialMergeBuffer, error) {
	b := &partialMergeBuffer{
		log:     mgr.Logger(),
		inChan:  make(chan *Event),
		shutSig: shutdown.NewSignaller(),
	}

	var hardStopCtx context.Context
	hardStopCtx, b.hardStopDone = b.shutSig.HardStopCtx(context.Background())

	opts = append([]MergerOpt{
		OptComponentName(conf.componentName),
		OptDiagnostics(newResourceDiagnostics(mgr)),
		optMetrics(newMergeMetrics(mgr.Metrics())),
		OptOnDrop(func(e *Event) {
			// Discarded chains are acknowledged so that they aren't
			// redelivered.
			if err := e.Ack(context.Background(), nil); err != nil {
				b.log.Errorf("Failed to acknowledge discarded partial chain: %v", err)
			}
		}),
	}, opts...)

	var err error
	if b.outChan, err = MergePartialEvents(hardStopCtx, b.inChan, conf.namespace, conf.maxMergedLineBytes, opts...); err != nil {
		b.hardStopDone()
		return nil, err
	}

	b.log.Debugf("Merging partial lines of %v records", conf.namespace)
	return b, nil
}

func (b *partialMergeBuffer) WriteBatch(ctx context.Context, batch service.MessageBatch, aFn service.AckFunc) error {
	b.inMut.RLock()
	defer b.inMut.RUnlock()

	if b.inClosed {
		return errInputEnded
	}
	if len(batch) == 0 {
		_ = aFn(ctx, nil)
		return nil
	}

	acker := newBatchAcker(len(batch), aFn)
	for _, msg := range batch {
		select {
		case b.inChan <- NewEvent(msg, acker.derive()):
		case <-ctx.Done():
			acker.abandon()
			return ctx.Err()
		case <-b.shutSig.HardStopChan():
			acker.abandon()
			return errBufferClosed
		}
	}
	return nil
}

func (b *partialMergeBuffer) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	select {
	case e, open := <-b.outChan:
		if !open {
			return nil, nil, service.ErrEndOfBuffer
		}
		return service.MessageBatch{e.Message}, e.Ack, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (b *partialMergeBuffer) EndOfInput() {
	b.inMut.Lock()
	defer b.inMut.Unlock()

	if b.inClosed {
		return
	}
	b.inClosed = true
	close(b.inChan)
}

func (b *partialMergeBuffer) Close(ctx context.Context) error {
	b.shutSig.TriggerHardStop()
	defer b.hardStopDone()

	// Anything still waiting to be read is rejected so that it can be
	// redelivered.
	for {
		select {
		case e, open := <-b.outChan:
			if !open {
				b.shutSig.TriggerHasStopped()
				return nil
			}
			_ = e.Ack(ctx, errBufferClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

//------------------------------------------------------------------------------

// batchAcker hands out one acknowledgement function per message of a batch,
// and calls the acknowledgement function of the batch once all of them have
// been called. The first error observed is forwarded.
type batchAcker struct {
	remaining atomic.Int64
	abandoned atomic.Bool

	errMut sync.Mutex
	err    error

	aFn service.AckFunc
}

func newBatchAcker(n int, aFn service.AckFunc) *batchAcker {
	a := &batchAcker{aFn: aFn}
	a.remaining.Store(int64(n))
	return a
}

func (a *batchAcker) derive() service.AckFunc {
	var once sync.Once
	return func(ctx context.Context, err error) (ackErr error) {
		once.Do(func() {
			if err != nil {
				a.errMut.Lock()
				if a.err == nil {
					a.err = err
				}
				a.errMut.Unlock()
			}
			if a.remaining.Add(-1) != 0 || a.abandoned.Load() {
				return
			}
			a.errMut.Lock()
			err = a.err
			a.errMut.Unlock()
			ackErr = a.aFn(ctx, err)
		})
		return
	}
}

// abandon prevents the batch acknowledgement from being called, the writer
// is responsible for it instead.
func (a *batchAcker) abandon() {
	a.abandoned.Store(true)
}
