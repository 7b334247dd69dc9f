// Command mason is the CLI driver for the incremental build orchestrator:
// it registers a project's workspace modules, runs the execution phase,
// and reports the result. Subcommand dispatch follows
// cmd/distri/distri.go's verbs-table convention.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"mason/async"
	"mason/internal/oninterrupt"
	"mason/tracelog"
)

var (
	debug      = flag.Bool("debug", false, "format error messages with additional detail")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

type verb struct {
	fn   func(ctx context.Context, args []string) error
	help string
}

func main() {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mason: %v\n", err)
			os.Exit(1)
		}
		tracelog.Sink(f)
	}

	if err := runmain(); err != nil {
		if errors.Is(err, async.Interrupted) {
			fmt.Println("Interrupted")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "mason: %v\n", err)
		os.Exit(1)
	}
}

func runmain() error {
	verbs := map[string]verb{
		"build":          {cmdbuild, buildHelp},
		"check-upstream": {cmdcheckupstream, checkUpstreamHelp},
	}

	args := flag.Args()
	name := "build"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	if name == "help" {
		if len(args) == 1 {
			if v, ok := verbs[args[0]]; ok {
				fmt.Fprintln(os.Stderr, v.help)
				os.Exit(2)
			}
		}
		fmt.Fprintf(os.Stderr, "mason [-flags] <command> [-flags] <args>\n\n")
		fmt.Fprintf(os.Stderr, "To get help on any command, use mason <command> -help or mason help <command>.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tbuild          - build a project's goals incrementally\n")
		fmt.Fprintf(os.Stderr, "\tcheck-upstream - report the newest release of a project's upstream source\n")
		os.Exit(2)
	}

	v, ok := verbs[name]
	if !ok {
		return xerrors.Errorf("unknown command %q; try \"mason help\"", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	unregister := oninterrupt.Register(cancel)
	defer unregister()

	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return xerrors.Errorf("%s: %+v", name, err)
		}
		return xerrors.Errorf("%s: %v", name, err)
	}
	return nil
}
