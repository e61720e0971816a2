package main

import "github.com/drgolem/audiorouter/cmd"

func main() {
	cmd.Execute()
}
