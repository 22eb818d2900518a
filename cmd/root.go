package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cashew-build/cashew/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "cashew",
	Short: "Compiler wrapper that caches immutable registry compilations",
	Long: `cashew sits between the build orchestrator and the real compiler and
caches compilations of packages that come from an immutable registry.

Wrapper mode is transparent: point the orchestrator's compiler-wrapper
setting at this binary and the first argument becomes the real compiler's
path. The subcommands below administer the resulting cache.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	rootCmd.PersistentFlags().String("cache-dir", "", "Cache directory (defaults to the user cache dir)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(logCmd)

	cobra.OnInitialize(func() {
		_ = viper.BindPFlag("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
		_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	})
}
