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
	"fmt"

	"github.com/Jeffail/gabs/v2"

	"github.com/redpanda-data/benthos/v4/public/service"
)

const (
	// DefaultComponentName is the metadata root used by the namespaced schema
	// when no other name is configured. It matches the name of the source that
	// tails Kubernetes container logs.
	DefaultComponentName = "kubernetes_logs"

	partialKey = "_partial"
	fileKey    = "file"
	messageKey = "message"
)

// Namespace selects where the fields consulted by the merger live within a
// record.
type Namespace int

const (
	// NamespaceLegacy keeps every field at the top level of a structured
	// payload, the log line itself is the `message` field.
	NamespaceLegacy Namespace = iota

	// NamespaceNamespaced keeps source fields within a metadata object named
	// after the producing component, the log line is the raw payload.
	NamespaceNamespaced
)

// ParseNamespace converts a config value into a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	switch s {
	case "legacy":
		return NamespaceLegacy, nil
	case "namespaced":
		return NamespaceNamespaced, nil
	}
	return 0, fmt.Errorf("unrecognised namespace: %q", s)
}

func (n Namespace) String() string {
	switch n {
	case NamespaceLegacy:
		return "legacy"
	case NamespaceNamespaced:
		return "namespaced"
	}
	return fmt.Sprintf("Namespace(%d)", int(n))
}

//------------------------------------------------------------------------------

type pathTarget int

const (
	targetEvent pathTarget = iota
	targetMetadata
)

// fieldPath locates a value within a message. Event paths are walked through
// the structured payload, an event path without segments refers to the raw
// payload. Metadata paths start with the metadata key followed by the path
// within its (structured) value.
type fieldPath struct {
	target   pathTarget
	segments []string
}

type fieldPaths struct {
	partial fieldPath
	file    fieldPath
	message fieldPath
}

func pathsFor(ns Namespace, componentName string) fieldPaths {
	if ns == NamespaceNamespaced {
		return fieldPaths{
			partial: fieldPath{target: targetMetadata, segments: []string{componentName, partialKey}},
			file:    fieldPath{target: targetMetadata, segments: []string{componentName, fileKey}},
			message: fieldPath{target: targetEvent},
		}
	}
	return fieldPaths{
		partial: fieldPath{target: targetEvent, segments: []string{partialKey}},
		file:    fieldPath{target: targetEvent, segments: []string{fileKey}},
		message: fieldPath{target: targetEvent, segments: []string{messageKey}},
	}
}

func (p fieldPath) get(msg *service.Message) (any, bool) {
	if p.target == targetMetadata {
		if len(p.segments) == 0 {
			return nil, false
		}
		v, exists := msg.MetaGetMut(p.segments[0])
		if !exists {
			return nil, false
		}
		return search(v, p.segments[1:])
	}

	if len(p.segments) == 0 {
		b, err := msg.AsBytes()
		if err != nil {
			return nil, false
		}
		return b, true
	}

	v, err := msg.AsStructured()
	if err != nil {
		return nil, false
	}
	return search(v, p.segments)
}

func search(v any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return v, true
	}
	gObj := gabs.Wrap(v)
	if !gObj.Exists(segments...) {
		return nil, false
	}
	return gObj.Search(segments...).Data(), true
}

// setBytes writes a payload back to the location of an event path, creating
// any missing parents. Message paths never point into metadata.
func (p fieldPath) setBytes(msg *service.Message, b []byte) {
	if len(p.segments) == 0 {
		msg.SetBytes(b)
		return
	}

	// A payload that isn't structured can't hold the field, and is replaced
	// with an object that only contains it.
	root, err := msg.AsStructuredMut()
	if err != nil {
		root = nil
	}
	gObj := gabs.Wrap(root)
	if _, isObj := root.(map[string]any); !isObj {
		gObj = gabs.New()
	}
	_, _ = gObj.Set(string(b), p.segments...)
	msg.SetStructuredMut(gObj.Data())
}

//------------------------------------------------------------------------------

// asBytes returns the value as a byte payload when it is one. Structured
// payloads represent byte strings as strings.
func asBytes(v any, exists bool) []byte {
	if !exists {
		return nil
	}
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	}
	return nil
}

func asBool(v any, exists bool) bool {
	if !exists {
		return false
	}
	b, _ := v.(bool)
	return b
}

func asString(v any, exists bool) string {
	if !exists {
		return ""
	}
	s, _ := v.(string)
	return s
}
