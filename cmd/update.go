package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/sideband/internal/logging"
	"github.com/smazurov/sideband/internal/updater"
	"github.com/smazurov/sideband/internal/version"
)

// CreateUpdateCmd creates the update command.
func CreateUpdateCmd() *cobra.Command {
	var (
		opts     updater.Options
		check    bool
		rollback bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update sideband to the latest release",
		Long: `Downloads the latest GitHub release for this platform and replaces the running binary. ` +
			`The previous binary is kept and --rollback restores it. Restart the daemon afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			opts.CurrentVersion = version.String()
			opts.Logger = logging.GetLogger("updater")
			u, err := updater.New(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context(), 5*time.Minute)
			defer cancel()
			out := c.OutOrStdout()

			switch {
			case rollback:
				info, err := u.Rollback()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "restored %s to %s\n", info.ExecPath, info.Version)
				return nil
			case check:
				info, err := u.Check(ctx)
				if err != nil {
					return err
				}
				return printUpdate(out, info, asJSON)
			default:
				info, err := u.Apply(ctx)
				if updater.Code(err) == updater.ErrCodeNoUpdate {
					return printUpdate(out, info, asJSON)
				}
				if err != nil {
					return err
				}
				if err := printUpdate(out, info, asJSON); err != nil {
					return err
				}
				if !asJSON {
					fmt.Fprintln(out, "restart the sideband daemon to run the new version")
				}
				return nil
			}
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&opts.Repository, "repo", updater.DefaultRepository, "GitHub repository to fetch releases from")
	cmd.Flags().BoolVar(&opts.Prerelease, "prerelease", false, "Include prereleases")
	cmd.Flags().StringVar(&opts.BackupDir, "backup-dir", "", "Where the previous binary is kept (default: user cache dir)")
	cmd.Flags().BoolVar(&check, "check", false, "Only report whether an update is available")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Restore the binary replaced by the last update")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.MarkFlagsMutuallyExclusive("check", "rollback")

	return cmd
}

func printUpdate(w io.Writer, info updater.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	if !info.UpdateAvailable {
		fmt.Fprintf(w, "up to date: %s (latest %s)\n", info.CurrentVersion, info.LatestVersion)
		return nil
	}
	fmt.Fprintf(w, "update: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
	if info.ReleaseURL != "" {
		fmt.Fprintf(w, "release: %s\n", info.ReleaseURL)
	}
	return nil
}
