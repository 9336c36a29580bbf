package main

import "stockroom/cmd"

func main() {
	cmd.Execute()
}
