package main

import "github.com/devlens/scmscan/cmd"

func main() {
	cmd.Execute()
}
