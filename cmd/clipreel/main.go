package main

import "github.com/forPelevin/clipreel/internal/cli"

func main() {
	cli.Main()
}
