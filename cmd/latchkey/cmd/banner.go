package cmd

import (
	"fmt"
)

const banner = `
  _           _       _     _
 | |         | |     | |   | |
 | |     __ _| |_ ___| |__ | | _____ _   _
 | |    / _` + "`" + ` | __/ __| '_ \| |/ / _ \ | | |
 | |___| (_| | || (__| | | |   <  __/ |_| |
 |______\__,_|\__\___|_| |_|_|\_\___|\__, |
                                      __/ |
                                     |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Passkey Authentication Service - Version %s\x1b[0m\n\n", Version)
}
