package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active downloads and their progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snapshot := a.eng.Snapshot()
			if len(snapshot) == 0 {
				fmt.Println("no active downloads")
				return nil
			}

			for _, p := range snapshot {
				fmt.Printf("%-36s %-12s %-30s %10d/%-10d %8.1f KB/s\n",
					p.ID, p.Status, p.Filename, p.DownloadedBytes, p.TotalSize, p.SpeedBps/1024)
			}
			return nil
		},
	}
}
