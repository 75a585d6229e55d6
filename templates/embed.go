// Package templates embeds the default workspace configuration and agent instructions.
package templates

import "embed"

//go:embed config.yaml agents
var FS embed.FS
