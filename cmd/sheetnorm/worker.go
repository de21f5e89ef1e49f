package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/ruleworker"
)

// workerCmd serves a builtin module over the worker protocol so it can run
// out of process under the sandbox limits, e.g. as engine.runtime.command.
func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker <builtin-module>",
		Short:  "Serve a builtin rule module on stdin/stdout",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		// The worker speaks the protocol on stdout; skip config and logging setup.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(_ *cobra.Command, args []string) error {
			mod, ok := rules.Lookup(args[0])
			if !ok {
				return fail(fmt.Errorf("unknown builtin module %q (have %v)", args[0], rules.Names()))
			}
			ruleworker.Main(ruleworker.FromModule(mod))
			return nil
		},
	}
}
