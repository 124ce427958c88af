package main

import "github.com/tofesapp/automation/internal/cli"

func main() {
	cli.Execute()
}
