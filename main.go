package main

import "github.com/quantarc/execd/cmd"

func main() {
	cmd.Execute()
}
