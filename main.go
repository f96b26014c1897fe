package main

import "stackops/cmd"

func main() {
	cmd.Execute()
}
