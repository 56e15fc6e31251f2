// Command ppectl queries a violation backend from the terminal.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ppectl",
	Short: "ppectl - PPE violation dashboard from the terminal",
	Long: `ppectl reads the same configuration as the ppewatch server (environment
and .env) and prints a one-shot dashboard summary, or loads fixtures into a
Postgres source.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
