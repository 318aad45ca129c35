// ncetool inspects and rewrites raw AArch64 code the way the loader does
// it: scan lists the words the rewriter would trap, patch runs the full
// rewrite and emits the trampoline region.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(scanCmd), "")
	subcommands.Register(new(patchCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
