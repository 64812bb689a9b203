// Command flagctl validates, evaluates and administers rollout flags from the
// command line.
//
// Usage:
//
//	flagctl validate FILE...
//	flagctl eval -f FILE --identity ID [--tenant T] [--attr k=v]... [NAME...]
//	flagctl bucket SEED...
//	flagctl sync -f FILE [--server URL] [--api-key KEY] [--prune] [--dry-run]
//	flagctl apikey create|list|revoke ...
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
