package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a reusable signing identity",
	Long: `Generate an ed25519 signing seed and print it with its fingerprint.
Set DOGECHAT_SIGNING_SEED_HEX to the seed so the node keeps a stable
identity across restarts. The peer id stays ephemeral either way.`,
	Run: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) {
	ident, err := identity.Generate()
	if err != nil {
		exitWithError("keygen failed", err)
	}

	fmt.Println("Signing seed:", hex.EncodeToString(ident.SigningSeed()))
	fmt.Println("Fingerprint: ", ident.Fingerprint())
	fmt.Println()
	fmt.Println("Save the seed securely! Anyone holding it can sign announcements as you.")
	fmt.Println("Export it as DOGECHAT_SIGNING_SEED_HEX before starting the node.")
}
