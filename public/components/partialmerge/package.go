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

// Package partialmerge registers the partial_merge buffer, which reassembles
// log lines that were split into partial records by their source.
package partialmerge

import (
	// Bring in the internal plugin definitions.
	_ "github.com/redpanda-data/partialmerge/internal/impl/partialmerge"
)
