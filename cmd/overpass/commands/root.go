package commands

import (
	"github.com/spf13/cobra"

	"github.com/overpassnet/overpass/src/config"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for Overpass
var RootCmd = &cobra.Command{
	Use:              "overpass",
	Short:            "overpass transaction relay",
	TraverseChildren: true,
}
