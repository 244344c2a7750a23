package main

import "github.com/nanoagent/nanoswarm/cmd"

func main() {
	cmd.Execute()
}
