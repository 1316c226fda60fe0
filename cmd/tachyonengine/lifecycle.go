package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command  { return lifecycleCmd("pause", "Pause a queued or running download", func(a *app, id string) error { return a.eng.Pause(id) }) }
func newResumeCmd() *cobra.Command { return lifecycleCmd("resume", "Resume a paused, errored, or cancelled download", func(a *app, id string) error { return a.eng.Resume(id) }) }
func newCancelCmd() *cobra.Command { return lifecycleCmd("cancel", "Cancel a download", func(a *app, id string) error { return a.eng.Cancel(id) }) }
func newRemoveCmd() *cobra.Command { return lifecycleCmd("remove", "Remove a download and its record", func(a *app, id string) error { return a.eng.Remove(id) }) }

func newRetryCmd() *cobra.Command {
	var newURL string
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed or needs-auth download and re-queue it from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.eng.Retry(args[0], newURL); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&newURL, "url", "", "replace the download's URL before retrying")
	return cmd
}

func lifecycleCmd(use, short string, action func(a *app, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := action(a, args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
