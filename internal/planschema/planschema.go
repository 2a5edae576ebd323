// SPDX-License-Identifier: Apache-2.0

// Package planschema embeds the JSON Schema that validates --plan-file
// documents, so validation doesn't depend on the binary's working
// directory or an install-time copy under /etc.
package planschema

import _ "embed"

//go:embed planschema.json
var JSON []byte
