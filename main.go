package main

import "github.com/audiolibrelab/rehearse/cmd"

func main() {
	cmd.Execute()
}
