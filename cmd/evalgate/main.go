package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mkastrati/evalgate/internal/cli"
	"github.com/mkastrati/evalgate/internal/platform"
)

func main() {
	// The isolation trampoline must run before flag parsing; its
	// environment payload is the only argument it needs.
	if len(os.Args) > 1 && os.Args[1] == platform.InternalExecCommand {
		plat, err := platform.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitCode, err := plat.RunInternalExec()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(exitCode)
	}

	var showHelp bool
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = printUsage
	flag.Parse()

	if showHelp {
		printUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(cli.RunCmd(args[1:]))
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `evalgate - evaluate code snippets in their project context

Usage:
  evalgate <command> [options]

Commands:
  run       Evaluate a snippet with the project's interpreter
  help      Show this help message

Run "evalgate run --help" for details on the run command.
`)
}
