package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "agent":
		fs := flag.NewFlagSet("agent", flag.ExitOnError)
		cfgPath := fs.String("config", "config.ini", "Path to INI config file")
		_ = fs.Parse(os.Args[2:])
		runAgent(*cfgPath)

	case "dump":
		fs := flag.NewFlagSet("dump", flag.ExitOnError)
		cfgPath := fs.String("config", "config.ini", "Path to INI config file")
		_ = fs.Parse(os.Args[2:])
		runDump(*cfgPath)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ess-controller agent -config config.ini")
	fmt.Println("  ess-controller dump -config config.ini")
}
