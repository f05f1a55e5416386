// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the server and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// EnqueueRequestSchema is the embedded enqueue-request JSON schema.
//
// This allows request validation to work in installed binaries and library
// consumers without requiring the schema files to be present on disk.
//
//go:embed enqueue-request.schema.json
var EnqueueRequestSchema []byte
