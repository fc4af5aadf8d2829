package main

import (
	"os"

	"github.com/GreatApe42069/dogechat-android-sub001/cmd/dogechatd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
