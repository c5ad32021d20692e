// Command clawpotctl is a thin client for clawpotd's control RPC
// surface: one file per subcommand, flags bound through viper.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clawpot/clawpotd/internal/rpcclient"
	"github.com/clawpot/clawpotd/internal/rpcserver"
)

var rootCmd = &cobra.Command{
	Use:   "clawpotctl",
	Short: "control clawpotd-managed microVM sandboxes",
}

func init() {
	rootCmd.PersistentFlags().String("addr", rpcserver.DefaultListenAddr, "clawpotd control RPC address")
	viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	viper.SetEnvPrefix("clawpotctl")
	viper.AutomaticEnv()
}

func dialClient(cmd *cobra.Command) (*rpcclient.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = viper.GetString("addr")
	}
	return rpcclient.Dial(addr, 5*time.Second)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clawpotctl:", err)
		os.Exit(1)
	}
}
