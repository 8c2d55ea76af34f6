// Command tuntcp is the demo server: it opens a TUN device, binds one port,
// and echoes back whatever bytes each connected stream sends it. It exists
// to exercise the public pkg/tuntcp API end to end.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var configFile string

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configFile, "config", "", "path to a YAML config override file")
}

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:          "tuntcp",
		Short:        "A userspace TCP endpoint over a layer-3 tunnel device",
		SilenceUsage: true,
	}
	addGlobalFlags(c.PersistentFlags())
	c.AddCommand(serveCommand())
	c.AddCommand(versionCommand())
	return c
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
