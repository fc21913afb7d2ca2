package main

import "gridwatch/internal/cli"

func main() {
	cli.Execute()
}
