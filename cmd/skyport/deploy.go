package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skyporthq/skyport/internal/api"
	"github.com/skyporthq/skyport/internal/bundle"
)

func newDeployCmd(root *rootOptions) *cobra.Command {
	var appID string
	var noWait bool
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "deploy [dir]",
		Short: "Bundle a source directory and deploy it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			app := appID
			if app == "" {
				app = root.conn.DefaultApp()
			}
			if app == "" {
				return fmt.Errorf("deploy: app is required (--app or context default)")
			}

			paths, err := bundle.List(dir)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("deploy: %s contains no files to deploy", dir)
			}
			if dryRun {
				for _, p := range paths {
					fmt.Println(p)
				}
				return nil
			}

			tmp, err := os.CreateTemp("", "skyport-bundle-*.tar.gz")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())
			defer tmp.Close()

			if err := bundle.Create(tmp, dir); err != nil {
				return err
			}
			if _, err := tmp.Seek(0, 0); err != nil {
				return err
			}

			fmt.Printf("deploying %s to %s...\n", bundle.Describe(paths), app)
			dep, err := root.api().CreateDeployment(cmd.Context(), app, tmp, uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Printf("deployment %s created\n", dep.ID)
			if noWait {
				return nil
			}

			dep, err = root.api().WaitDeployment(cmd.Context(), app, dep.ID, 0, func(status string) {
				fmt.Printf("deployment %s: %s\n", dep.ID, status)
			})
			if err != nil {
				return err
			}
			if dep.Status != api.DeploymentSucceeded {
				if dep.Error != "" {
					return fmt.Errorf("deploy failed: %s", dep.Error)
				}
				return fmt.Errorf("deploy failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "target app (defaults to the context app)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after upload without waiting for the rollout")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the files that would be bundled and exit")
	return cmd
}
