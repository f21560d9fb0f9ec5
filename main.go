package main

import "github.com/aceteam-ai/citadel-fabric/cmd"

func main() {
	cmd.Execute()
}
