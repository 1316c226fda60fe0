package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tachyonengine/internal/config"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "View or change persisted engine tunables",
	}
	cmd.AddCommand(newSettingsShowCmd(), newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current settings snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s := a.settings
			fmt.Printf("max_concurrent_downloads: %d\n", s.MaxConcurrentDownloads)
			fmt.Printf("global_speed_limit_bps:   %d\n", s.GlobalSpeedLimitBps)
			fmt.Printf("auto_retry_failed:        %t\n", s.AutoRetryFailed)
			fmt.Printf("threads_per_download:     %d\n", s.ThreadsPerDownload)
			fmt.Printf("enable_integrity_check:   %t\n", s.EnableIntegrityCheck)
			fmt.Printf("default_download_dir:     %s\n", s.DefaultDownloadDir)
			return nil
		},
	}
}

func newSettingsSetCmd() *cobra.Command {
	var maxConcurrent, threads int
	var speedLimit int64
	var autoRetry, integrityCheck bool
	var downloadDir string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update and persist settings, applying them to a running engine on next start",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s := a.settings
			if cmd.Flags().Changed("max-concurrent") {
				s.MaxConcurrentDownloads = maxConcurrent
			}
			if cmd.Flags().Changed("speed-limit") {
				s.GlobalSpeedLimitBps = speedLimit
			}
			if cmd.Flags().Changed("auto-retry") {
				s.AutoRetryFailed = autoRetry
			}
			if cmd.Flags().Changed("threads") {
				s.ThreadsPerDownload = threads
			}
			if cmd.Flags().Changed("integrity-check") {
				s.EnableIntegrityCheck = integrityCheck
			}
			if cmd.Flags().Changed("download-dir") {
				s.DefaultDownloadDir = downloadDir
			}

			mgr := config.NewManager(a.store)
			if err := mgr.Save(s); err != nil {
				return err
			}
			a.eng.Apply(s)
			fmt.Println("saved")
			return nil
		},
	}

	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "maximum concurrent downloads")
	cmd.Flags().Int64Var(&speedLimit, "speed-limit", 0, "global speed limit in bytes/sec (0 = unlimited)")
	cmd.Flags().BoolVar(&autoRetry, "auto-retry", true, "automatically retry failed downloads")
	cmd.Flags().IntVar(&threads, "threads", 0, "default segment count per download")
	cmd.Flags().BoolVar(&integrityCheck, "integrity-check", true, "verify checksums when supplied")
	cmd.Flags().StringVar(&downloadDir, "download-dir", "", "default destination directory")
	return cmd
}
