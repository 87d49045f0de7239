package main

import "github.com/microclaw/microclaw/cmd"

func main() {
	cmd.Execute()
}
