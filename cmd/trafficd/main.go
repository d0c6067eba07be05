// trafficd is the per-socket traffic accounting daemon and its
// control commands.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-trafficctl/cmd/trafficd/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
