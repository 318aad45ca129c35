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

// scanCmd lists the instructions of a code image the rewriter would trap.
type scanCmd struct {
	base uint64
}

func (*scanCmd) Name() string { return "scan" }

func (*scanCmd) Synopsis() string {
	return "list the trapping instructions of a raw code image"
}

func (*scanCmd) Usage() string {
	return `scan [-base <address>] <code file>:
  Scan a raw little-endian AArch64 image for the instructions the rewriter
  would replace and print one line per site.
`
}

func (c *scanCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.base, "base", nce.DefaultBaseAddress, "load address of the image")
}

func (c *scanCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "scan: expected exactly one code file")
		return subcommands.ExitUsageError
	}
	code, err := os.ReadFile(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		return subcommands.ExitFailure
	}
	if len(code)%nce.InstLen != 0 {
		fmt.Fprintf(os.Stderr, "scan: image size %#x is not a whole number of instructions\n", len(code))
		return subcommands.ExitFailure
	}

	sites := 0
	for i := 0; i+nce.InstLen <= len(code); i += nce.InstLen {
		word := binary.LittleEndian.Uint32(code[i:])
		addr := c.base + uint64(i)

		if imm, ok := nce.DecodeSVC(word); ok {
			fmt.Printf("%#x: %08x  svc #0x%X\n", addr, word, imm)
			sites++
			continue
		}
		if dst, sys, ok := nce.DecodeMRS(word); ok {
			switch sys {
			case nce.SysTPIDRRO_EL0, nce.SysCNTPCT_EL0, nce.SysCNTVCT_EL0, nce.SysCNTFRQ_EL0:
				fmt.Printf("%#x: %08x  mrs x%d, %s\n", addr, word, dst, sys)
				sites++
			}
		}
	}
	fmt.Printf("%d trap sites in %d instructions\n", sites, len(code)/nce.InstLen)

	return subcommands.ExitSuccess
}
