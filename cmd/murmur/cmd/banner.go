package cmd

import (
	"fmt"
	"io"
)

const banner = `
  __  __
 |  \/  |_  _ _ _ _ __ _  _ _ _
 | |\/| | || | '_| '  \ || | '_|
 |_|  |_|\_,_|_| |_|_|_\_,_|_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Account & Session Service - Version %s\x1b[0m\n\n", Version)
}
