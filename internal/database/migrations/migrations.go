// Package migrations embeds the reference SQL schema for the ingestion
// pipeline. Production deployments usually manage the schema out of band;
// the embedded copy serves development setups and the integration tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
