// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// PgConnectionFlags registers the persistent connection flags and binds
// their PGCUT_* environment variable equivalents.
func PgConnectionFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("host", "h", "localhost", "Postgres host")
	cmd.PersistentFlags().IntP("port", "p", 5432, "Postgres port")
	cmd.PersistentFlags().StringP("dbname", "d", "", "Postgres database name")
	cmd.PersistentFlags().StringP("user", "U", "postgres", "Postgres user")
	cmd.PersistentFlags().StringP("password", "W", "", "Postgres password")

	viper.BindPFlag("HOST", cmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("PORT", cmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("DBNAME", cmd.PersistentFlags().Lookup("dbname"))
	viper.BindPFlag("USER", cmd.PersistentFlags().Lookup("user"))
	viper.BindPFlag("PASSWORD", cmd.PersistentFlags().Lookup("password"))
}

// ConnString builds the libpq connection string the dbgateway opens.
func ConnString() string {
	auth := viper.GetString("USER")
	if password := viper.GetString("PASSWORD"); password != "" {
		auth = fmt.Sprintf("%s:%s", auth, password)
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable",
		auth, viper.GetString("HOST"), viper.GetInt("PORT"), viper.GetString("DBNAME"))
}

func Host() string     { return viper.GetString("HOST") }
func Port() int        { return viper.GetInt("PORT") }
func DBName() string   { return viper.GetString("DBNAME") }
func User() string     { return viper.GetString("USER") }
func Password() string { return viper.GetString("PASSWORD") }
