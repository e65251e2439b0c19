package main

import "market-extremes/internal/cli"

func main() {
	cli.Execute()
}
