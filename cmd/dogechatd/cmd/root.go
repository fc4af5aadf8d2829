package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Node flags
	nodeListenAddr string
	nodePeerAddrs  []string
	nodeNickname   string
)

var rootCmd = &cobra.Command{
	Use:   "dogechatd",
	Short: "DogeChat mesh chat node",
	Long: `DogeChat is a broadcast mesh chat node. It announces a signed identity,
tracks the peers it hears from, and fragments oversized packets so they
fit the carrier frame size.

By default, running 'dogechatd' starts a node and reads chat input from
stdin. Use 'dogechatd keygen' to mint a reusable signing identity.`,
	Run: runNode,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVarP(&nodeListenAddr, "listen", "l", "", "TCP listen address, e.g. :4242 (empty: dial-only)")
	rootCmd.Flags().StringArrayVarP(&nodePeerAddrs, "peer", "p", nil, "Peer address to dial (repeatable)")
	rootCmd.Flags().StringVarP(&nodeNickname, "nickname", "n", "", "Nickname announced to peers")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func exitWithError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
