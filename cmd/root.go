package cmd

import (
	"fmt"
	"os"

	"followup-mailer/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v   *viper.Viper
	cfg *config.Config
)

// flagKeys maps command-line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"db-driver":    "DB_DRIVER",
	"database-url": "DATABASE_URL",
	"log-level":    "LOG_LEVEL",
	"timezone":     "TIMEZONE",
	"port":         "PORT",
	"static-dir":   "STATIC_DIR",
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "followup-mailer",
	Short: "Send e-mails and track their follow-ups",
	Long: `followup-mailer records outgoing e-mails, schedules up to three weekly
follow-ups for each one and serves a calendar of sends and follow-ups.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New()
		if err := bindFlags(cmd); err != nil {
			return err
		}
		loaded, err := config.FromViper(v)
		if err != nil {
			return err
		}
		loaded.ConfigureLogger(logrus.StandardLogger())
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.String("db-driver", "", "database driver: sqlite3 or postgres (DB_DRIVER)")
	flags.String("database-url", "", "database file or connection string (DATABASE_URL)")
	flags.String("log-level", "", "log level (LOG_LEVEL)")
	flags.String("timezone", "", "IANA timezone used for calendar days (TIMEZONE)")
}

// bindFlags lets the flags of cmd override the environment. An unset flag
// leaves the environment value in place.
func bindFlags(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
