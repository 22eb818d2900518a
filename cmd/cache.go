package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cashew-build/cashew/internal/cachelog"
	"github.com/cashew-build/cashew/internal/config"
	"github.com/cashew-build/cashew/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count and total size",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}

		count, size, err := st.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("Cache: %s\nEntries: %d\nSize: %s\n", cfg.CacheDir, count, humanSize(size))

		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}

		manifests, err := st.List()
		if err != nil {
			return err
		}

		for _, m := range manifests {
			fmt.Printf("%s  %-12s  %s  %s\n",
				m.Fingerprint, m.Kind, m.CreatedAt.Format("2006-01-02 15:04:05"), m.UnitName)
		}

		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}

		if err := st.Clear(); err != nil {
			return err
		}

		fmt.Printf("Cleared cache at %s\n", cfg.CacheDir)

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash every entry and remove corrupt ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}

		removed, err := st.Verify()
		if err != nil {
			return err
		}

		if len(removed) == 0 {
			fmt.Println("All entries intact")
			return nil
		}

		for _, fp := range removed {
			fmt.Printf("Removed corrupt entry %s\n", fp)
		}

		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the cache event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		events, err := cachelog.Read(cfg.CacheDir)
		if err != nil {
			return err
		}

		for _, event := range events {
			fmt.Printf("%v  %-7v  %v", event["time"], event["level"], event["msg"])

			if unit, ok := event["unit"]; ok {
				fmt.Printf("  %v", unit)
			}

			if reason, ok := event["reason"]; ok {
				fmt.Printf("  (%v)", reason)
			}

			fmt.Println()
		}

		return nil
	},
}

func loadConfig() (*config.Config, error) {
	return config.NewLoader().LoadFromEnv()
}

func openStore() (*store.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.New(cfg.CacheDir, nil)
	if err != nil {
		return nil, nil, err
	}

	return st, cfg, nil
}

func humanSize(bytes int64) string {
	const unit = 1024

	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
