package main

import "github.com/llbot-im/llgate/cmd"

func main() {
	cmd.Execute()
}
