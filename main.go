package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/gatekeep/cmd"
	"grimm.is/gatekeep/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	defaultConfig := brand.DefaultConfigPath()

	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", defaultConfig, "Configuration file")
		serveFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
		listen := serveFlags.String("listen", "", "Override configured listen address")
		serveFlags.Parse(os.Args[2:])

		if err := cmd.RunServe(*configFile, *listen); err != nil {
			fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfig
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}

		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", defaultConfig, "Configuration file")
		statusFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "--version", "-v":
		fmt.Printf("%s %s\n", brand.Name, brand.Version)
		if brand.GitCommit != "" {
			fmt.Printf("  commit: %s\n", brand.GitCommit)
		}
		if brand.BuildTime != "" {
			fmt.Printf("  built:  %s\n", brand.BuildTime)
		}

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage: %s <command> [options]

Commands:
  serve     Start the HTTP gateway
  check     Validate a configuration file
  status    Probe the remote firewall and panel
  version   Print version information

Options:
  -c, -config <file>   Configuration file (default %s)

Run '%s <command> -h' for command-specific options.
`, brand.Name, brand.Description, brand.BinaryName, brand.DefaultConfigDir+"/"+brand.ConfigFileName, brand.BinaryName)
}
