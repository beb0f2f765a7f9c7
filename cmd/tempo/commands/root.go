package commands

import (
	"github.com/spf13/cobra"

	"github.com/tempoledger/tempo/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for Tempo
var RootCmd = &cobra.Command{
	Use:              "tempo",
	Short:            "tempo finality ledger",
	TraverseChildren: true,
}
