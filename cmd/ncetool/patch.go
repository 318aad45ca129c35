package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/meridian-emu/nce"
)

// patchCmd runs the rewriter over a code image and emits the trampoline
// region it generates.
type patchCmd struct {
	base      uint64
	offset    int64
	freq      uint64
	out       string
	rewritten string
}

func (*patchCmd) Name() string { return "patch" }

func (*patchCmd) Synopsis() string {
	return "rewrite a raw code image and emit its trampoline region"
}

func (*patchCmd) Usage() string {
	return `patch [-base <address>] [-offset <bytes>] [-freq <hz>] [-o <file>] [-rewritten <file>] <code file>:
  Rewrite the trapping instructions of a raw little-endian AArch64 image
  and generate the trampoline region that would precede it in guest
  memory. -o receives the trampoline region, -rewritten the image with its
  trap sites replaced; without either only a summary is printed.
`
}

func (c *patchCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.base, "base", nce.DefaultBaseAddress, "load address of the image")
	f.Int64Var(&c.offset, "offset", -0x10000, "distance from the image to the patch region")
	f.Uint64Var(&c.freq, "freq", 0, "host counter frequency, 0 if it matches the guest")
	f.StringVar(&c.out, "o", "", "file receiving the trampoline region")
	f.StringVar(&c.rewritten, "rewritten", "", "file receiving the rewritten image")
}

func (c *patchCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "patch: expected exactly one code file")
		return subcommands.ExitUsageError
	}
	code, err := os.ReadFile(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "patch: %v\n", err)
		return subcommands.ExitFailure
	}

	patcher := nce.Patcher{HostCounterFreq: c.freq}
	patch, err := patcher.Patch(code, c.base, c.offset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "patch: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("image: %d instructions, trampoline region: %d words (%#x bytes)\n",
		len(code)/nce.InstLen, len(patch), len(patch)*nce.InstLen)

	if c.out != "" {
		blob := make([]byte, len(patch)*nce.InstLen)
		for i, word := range patch {
			binary.LittleEndian.PutUint32(blob[i*nce.InstLen:], word)
		}
		if err := os.WriteFile(c.out, blob, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "patch: %v\n", err)
			return subcommands.ExitFailure
		}
	}
	if c.rewritten != "" {
		if err := os.WriteFile(c.rewritten, code, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "patch: %v\n", err)
			return subcommands.ExitFailure
		}
	}

	return subcommands.ExitSuccess
}
