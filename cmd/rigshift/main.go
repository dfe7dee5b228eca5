// Package main is the entry point for the rig shift terminal service.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fieldcrew/rigshift/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err.Error())
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "rigshift",
		Short:         "Offline-first shift workflow for drilling rigs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration JSON file")

	cfgPath := func() string { return resolveConfig(configPath) }
	root.AddCommand(
		newServeCmd(cfgPath),
		newVerifyCmd(cfgPath),
		newSyncCmd(cfgPath),
		newCatalogCmd(cfgPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rigshift %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
}

// resolveConfig applies --config > RIGSHIFT_CONFIG > config.json next to
// the executable > config.json in the working directory. An empty result
// means defaults plus environment.
func resolveConfig(flagValue string) string {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "config.json"))
	}
	candidates = append(candidates, "config.json")
	return config.Resolve(flagValue, candidates...)
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
