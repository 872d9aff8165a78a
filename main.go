package main

import "github.com/shipd/ship/cmd"

func main() {
	cmd.Execute()
}
