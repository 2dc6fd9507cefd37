package main

import "github.com/jmcleod/murmur/cmd/murmur/cmd"

func main() {
	cmd.Execute()
}
