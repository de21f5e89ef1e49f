// Command sheetnorm normalizes spreadsheets against a config package and
// writes the run artifact that explains every decision.
package main

import (
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
