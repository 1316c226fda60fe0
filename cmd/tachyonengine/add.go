package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tachyonengine/internal/engine"
)

func newAddCmd() *cobra.Command {
	var saveDir, filename, priority, userAgent string
	var threads int

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Queue a new download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.eng.Add(engine.AddParams{
				URL:       args[0],
				SaveDir:   saveDir,
				Filename:  filename,
				Priority:  priority,
				Threads:   threads,
				UserAgent: userAgent,
			})
			if err != nil {
				return err
			}

			fmt.Printf("queued %s (%s)\n", d.ID, d.Filename)
			return nil
		},
	}

	cmd.Flags().StringVar(&saveDir, "dir", "", "destination directory")
	cmd.Flags().StringVar(&filename, "filename", "", "override the filename inferred from the URL")
	cmd.Flags().StringVar(&priority, "priority", "normal", "high|normal|low")
	cmd.Flags().IntVar(&threads, "threads", 0, "segment count (0 uses the configured default)")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "override the request User-Agent")
	return cmd
}
