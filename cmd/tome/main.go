package main

import "southwinds.dev/tome/cli/cmd"

func main() {
	cmd.Execute()
}
