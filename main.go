package main

import "crossdeck/cmd"

func main() {
	cmd.Execute()
}
