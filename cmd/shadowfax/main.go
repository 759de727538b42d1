// Shadowfax is a multi-key reverse proxy for an LLM chat-completion
// upstream: it schedules requests across a pool of upstream credentials,
// keeping each key inside its concurrency, rate-limit and health budgets.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/shadowfax.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("shadowfax", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
