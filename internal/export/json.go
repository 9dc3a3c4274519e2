// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import "encoding/json"

// JSONExporter renders a transcript as a JSON document.
type JSONExporter struct {
	Indent bool
}

// Export implements Exporter.
func (e *JSONExporter) Export(t *Transcript) ([]byte, error) {
	if e.Indent {
		return json.MarshalIndent(t, "", "  ")
	}
	return json.Marshal(t)
}

// Extension implements Exporter.
func (e *JSONExporter) Extension() string { return "json" }
