package main

import "bmswatch/internal/cli"

func main() {
	cli.Execute()
}
