package main

import "agentpipe/cmd"

func main() {
	cmd.Run()
}
