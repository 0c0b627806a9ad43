package main

import (
	"os"

	"github.com/TheusHen/alicecrypto/cmd/alicecryptod/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
