// Command validateenv checks the environment before a deploy. It exits 1
// when a required variable is missing.
package main

import (
	"fmt"
	"os"

	"assistant-gate/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 1
	}

	errs, warnings := cfg.Validate()
	for _, w := range warnings {
		fmt.Printf("⚠️  %s\n", w)
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "❌ %s\n", e)
	}
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "\n%d required variable(s) missing\n", len(errs))
		return 1
	}

	fmt.Printf("✅ environment looks good (%s, telegram %s mode)\n", cfg.Env, cfg.TelegramMode)
	return 0
}
