package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var grantAdmin string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the leads, lead_duplicates and user_roles tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))

		if grantAdmin != "" {
			if err := st.GrantRole(ctx, grantAdmin, cfg.Auth.AdminRole); err != nil {
				return eris.Wrapf(err, "grant %s to %s", cfg.Auth.AdminRole, grantAdmin)
			}
			zap.L().Info("role granted", zap.String("user_id", grantAdmin), zap.String("role", cfg.Auth.AdminRole))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&grantAdmin, "grant-admin", "", "grant the admin role to this user id after migrating")
	rootCmd.AddCommand(migrateCmd)
}
