package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tachyonengine/internal/engine"
	"tachyonengine/internal/ingress"
	"tachyonengine/internal/progresspump"
	"tachyonengine/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run as a resident process: scheduler, progress pump, and ingress bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sched := scheduler.New(nil, a.store, a.eng, 0, cancel)
			go sched.Run(ctx)

			pump := progresspump.New(a.eng)
			go pump.Run(ctx)

			socketPath, _ := cmd.Flags().GetString("socket")
			listener, err := ingress.Listen(socketPath)
			if err != nil {
				return fmt.Errorf("ingress: %w", err)
			}

			bridge := ingress.NewBridge(nil, listener, func(p engine.AddParams) (string, string, error) {
				d, err := a.eng.Add(p)
				if err != nil {
					return "", "", err
				}
				return d.ID, d.Filename, nil
			})

			go func() {
				if err := bridge.Serve(); err != nil {
					fmt.Fprintln(os.Stderr, "ingress bridge stopped:", err)
				}
			}()

			fmt.Fprintln(os.Stderr, "tachyonengine: listening, press Ctrl+C to stop")
			<-ctx.Done()
			_ = bridge.Close()
			return nil
		},
	}
}
