// Command flowkit is the developer CLI: it runs a reflection V2 manager
// with an optional telemetry server, and talks to runtimes and telemetry
// servers over HTTP.
package main

import (
	"context"

	"github.com/scott-cotton/cli"
)

func main() {
	cli.MainContext(context.Background(), MainCommand())
}
