package main

import "wborgroupme/cmd"

func main() {
	cmd.Execute()
}
