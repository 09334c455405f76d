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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/redpanda-data/benthos/v4/public/components/pure"
	"github.com/redpanda-data/benthos/v4/public/service"
)

func parseBufferConfig(t testing.TB, yamlStr string) (bufferConfig, error) {
	t.Helper()
	pConf, err := partialMergeBufferConfig().ParseYAML(yamlStr, nil)
	if err != nil {
		return bufferConfig{}, err
	}
	return bufferConfigFromParsed(pConf)
}

func TestBufferConfigParse(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		expected bufferConfig
		errs     bool
	}{
		{
			name:   "defaults",
			config: `{}`,
			expected: bufferConfig{
				namespace:     NamespaceLegacy,
				componentName: DefaultComponentName,
			},
		},
		{
			name: "namespaced with a binary limit",
			config: `
namespace: namespaced
max_merged_line_bytes: 32KiB
component_name: docker_logs
`,
			expected: bufferConfig{
				namespace:          NamespaceNamespaced,
				maxMergedLineBytes: 32 * 1024,
				componentName:      "docker_logs",
			},
		},
		{
			name:   "decimal limit",
			config: `max_merged_line_bytes: 1MB`,
			expected: bufferConfig{
				namespace:          NamespaceLegacy,
				maxMergedLineBytes: 1000000,
				componentName:      DefaultComponentName,
			},
		},
		{
			name:   "plain byte count",
			config: `max_merged_line_bytes: "100"`,
			expected: bufferConfig{
				namespace:          NamespaceLegacy,
				maxMergedLineBytes: 100,
				componentName:      DefaultComponentName,
			},
		},
		{
			name:   "unknown namespace",
			config: `namespace: vector`,
			errs:   true,
		},
		{
			name:   "zero limit",
			config: `max_merged_line_bytes: "0"`,
			errs:   true,
		},
		{
			name:   "malformed limit",
			config: `max_merged_line_bytes: lots`,
			errs:   true,
		},
		{
			name:   "empty component name",
			config: `component_name: ""`,
			errs:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			conf, err := parseBufferConfig(t, test.config)
			if test.errs {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, conf)
		})
	}
}

type batchAckRecorder struct {
	mut  sync.Mutex
	errs []error
	done chan struct{}
}

func newBatchAckRecorder() *batchAckRecorder {
	return &batchAckRecorder{done: make(chan struct{}, 16)}
}

func (r *batchAckRecorder) fn(_ context.Context, err error) error {
	r.mut.Lock()
	r.errs = append(r.errs, err)
	r.mut.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *batchAckRecorder) wait(t testing.TB) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch acknowledgement")
	}
}

func (r *batchAckRecorder) get() []error {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]error(nil), r.errs...)
}

func testBuffer(t testing.TB, conf bufferConfig) *partialMergeBuffer {
	t.Helper()
	if conf.componentName == "" {
		conf.componentName = DefaultComponentName
	}
	buf, err := newPartialMergeBuffer(conf, service.MockResources())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = buf.Close(ctx)
	})
	return buf
}

func TestBufferMergesBatch(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})
	ctx := t.Context()

	acks := newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "hello ", true, "a"),
		legacyMsg(t, "world", false, "a"),
	}, acks.fn))

	batch, aFn, err := buf.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "hello world", legacyField(t, batch[0], "message"))
	assert.Empty(t, acks.get())

	require.NoError(t, aFn(ctx, nil))
	acks.wait(t)
	assert.Equal(t, []error{nil}, acks.get())
}

func TestBufferChainSpansBatches(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})
	ctx := t.Context()

	firstAcks, secondAcks := newBatchAckRecorder(), newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "foo", true, ""),
	}, firstAcks.fn))

	// The second write completes the first chain, and therefore blocks until
	// the merged record is read.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- buf.WriteBatch(ctx, service.MessageBatch{
			legacyMsg(t, "bar", false, ""),
			legacyMsg(t, "baz", false, ""),
		}, secondAcks.fn)
	}()

	batch, aFn, err := buf.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "foobar", legacyField(t, batch[0], "message"))
	require.NoError(t, aFn(ctx, nil))
	firstAcks.wait(t)

	// The second batch is only complete once all of its records are.
	assert.Empty(t, secondAcks.get())

	batch, aFn, err = buf.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "baz", legacyField(t, batch[0], "message"))
	require.NoError(t, <-writeErr)
	require.NoError(t, aFn(ctx, nil))
	secondAcks.wait(t)
	assert.Equal(t, []error{nil}, secondAcks.get())
}

func TestBufferPropagatesRejections(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})
	ctx := t.Context()

	acks := newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "foo", true, ""),
		legacyMsg(t, "bar", false, ""),
	}, acks.fn))

	_, aFn, err := buf.ReadBatch(ctx)
	require.NoError(t, err)

	errNope := errors.New("nope")
	require.NoError(t, aFn(ctx, errNope))
	acks.wait(t)
	assert.Equal(t, []error{errNope}, acks.get())
}

func TestBufferEndOfInputFlushes(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})
	ctx := t.Context()

	acks := newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "foo", true, "a"),
		legacyMsg(t, "bar", true, "b"),
	}, acks.fn))

	buf.EndOfInput()
	buf.EndOfInput()

	var messages []any
	for range 2 {
		batch, aFn, err := buf.ReadBatch(ctx)
		require.NoError(t, err)
		messages = append(messages, legacyField(t, batch[0], "message"))
		require.NoError(t, aFn(ctx, nil))
	}
	assert.ElementsMatch(t, []any{"foo", "bar"}, messages)
	acks.wait(t)

	_, _, err := buf.ReadBatch(ctx)
	require.ErrorIs(t, err, service.ErrEndOfBuffer)

	err = buf.WriteBatch(ctx, service.MessageBatch{legacyMsg(t, "baz", false, "")}, acks.fn)
	require.ErrorIs(t, err, errInputEnded)
}

func TestBufferAcknowledgesDiscardedChains(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy, maxMergedLineBytes: 5})
	ctx := t.Context()

	acks := newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "abc", true, ""),
		legacyMsg(t, "defgh", false, ""),
	}, acks.fn))
	acks.wait(t)
	assert.Equal(t, []error{nil}, acks.get())

	buf.EndOfInput()
	_, _, err := buf.ReadBatch(ctx)
	require.ErrorIs(t, err, service.ErrEndOfBuffer)
}

func TestBufferEmptyBatch(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})

	acks := newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(t.Context(), service.MessageBatch{}, acks.fn))
	acks.wait(t)
	assert.Equal(t, []error{nil}, acks.get())
}

func TestBufferCloseAbandonsOpenChains(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})
	ctx := t.Context()

	acks := newBatchAckRecorder()
	require.NoError(t, buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "never finished", true, ""),
	}, acks.fn))

	closeCtx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()
	require.NoError(t, buf.Close(closeCtx))

	_, _, err := buf.ReadBatch(ctx)
	require.ErrorIs(t, err, service.ErrEndOfBuffer)

	err = buf.WriteBatch(ctx, service.MessageBatch{legacyMsg(t, "late", false, "")}, acks.fn)
	require.ErrorIs(t, err, errBufferClosed)

	// Abandoned chains are left for redelivery.
	assert.Empty(t, acks.get())
}

func TestBufferWriteCancelled(t *testing.T) {
	buf := testBuffer(t, bufferConfig{namespace: NamespaceLegacy})

	// Fill the pipe so that the next write blocks.
	require.NoError(t, buf.WriteBatch(t.Context(), service.MessageBatch{
		legacyMsg(t, "unread", false, ""),
	}, newBatchAckRecorder().fn))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	acks := newBatchAckRecorder()
	err := buf.WriteBatch(ctx, service.MessageBatch{
		legacyMsg(t, "one", false, ""),
		legacyMsg(t, "two", false, ""),
	}, acks.fn)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, acks.get())
}

//------------------------------------------------------------------------------

func runBufferStream(t *testing.T, bufferYAML string, batches ...service.MessageBatch) []*service.Message {
	t.Helper()

	b := service.NewStreamBuilder()
	require.NoError(t, b.SetLoggerYAML(`level: none`))
	require.NoError(t, b.SetBufferYAML(bufferYAML))

	produce, err := b.AddBatchProducerFunc()
	require.NoError(t, err)

	var mut sync.Mutex
	var output []*service.Message
	require.NoError(t, b.AddBatchConsumerFunc(func(_ context.Context, batch service.MessageBatch) error {
		mut.Lock()
		output = append(output, batch...)
		mut.Unlock()
		return nil
	}))

	strm, err := b.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := strm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Error(err)
		}
	}()

	// Producers block until their batch is acknowledged, which for a buffer
	// of partial lines means once the merged line has been consumed.
	for _, batch := range batches {
		require.NoError(t, produce(ctx, batch))
	}

	cancel()
	<-done

	mut.Lock()
	defer mut.Unlock()
	return output
}

func TestBufferStreamLegacy(t *testing.T) {
	output := runBufferStream(t, `
partial_merge:
  namespace: legacy
  max_merged_line_bytes: 20B
`,
		service.MessageBatch{
			legacyMsg(t, `{"level":`, true, "/var/log/a.log"),
			legacyMsg(t, `"info"}`, false, "/var/log/a.log"),
		},
		service.MessageBatch{
			legacyMsg(t, "this line is far too long", true, "/var/log/b.log"),
			legacyMsg(t, " to fit", false, "/var/log/b.log"),
		},
		service.MessageBatch{
			legacyMsg(t, "done", false, "/var/log/b.log"),
		},
	)

	require.Len(t, output, 2)
	assert.Equal(t, `{"level":"info"}`, legacyField(t, output[0], "message"))
	assert.Equal(t, "/var/log/a.log", legacyField(t, output[0], "file"))
	assert.Equal(t, "done", legacyField(t, output[1], "message"))
}

func TestBufferStreamNamespaced(t *testing.T) {
	output := runBufferStream(t, `
partial_merge:
  namespace: namespaced
`,
		service.MessageBatch{
			namespacedMsg("first half, ", true, "foo1"),
			namespacedMsg("unrelated", false, "foo2"),
			namespacedMsg("second half", false, "foo1"),
		},
	)

	var lines []string
	for _, msg := range output {
		lines = append(lines, rawPayload(t, msg))
	}
	assert.ElementsMatch(t, []string{"first half, second half", "unrelated"}, lines)
}
