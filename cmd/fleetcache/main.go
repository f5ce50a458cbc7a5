package main

import (
	"os"

	"github.com/churchfleet/fleetcache/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
