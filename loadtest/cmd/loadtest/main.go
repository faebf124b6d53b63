// Package main is the entry point for the chat service load test
// binary. It provides subcommands for different scenarios:
//
//   - saturate:      Connection saturation test — opens N idle connections
//   - conversations: Conversation load test — admin/user pairs exchange messages
//
// Both commands mint their own bearer tokens with the shared secret the
// server is configured with. The conversations command requires the
// participant rows to exist; seed them with ids matching the -admin and
// -user prefixes first.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "conversations":
		runConversations(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate       Connection saturation test — opens N idle connections")
	fmt.Println("  conversations  Conversation load test — admin/user pairs join and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
