package main

import "github.com/deemkeen/fedcore/cli"

func main() {
	cli.Execute()
}
