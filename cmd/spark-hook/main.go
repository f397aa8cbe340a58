// spark-hook is the single-shot hook ingestor. It reads one hook event
// from stdin, appends it to the durable queue and exits 0 no matter what:
// a broken advisory pipeline must never break the host agent.
package main

import (
	"os"

	"spark/internal/hook"
	"spark/internal/paths"
)

func main() {
	defer func() {
		// Panics included: the host only ever sees exit 0.
		_ = recover()
		os.Exit(0)
	}()

	root := paths.Root()
	hook.Run(root, os.Stdin)
}
