package main

import "wcfbridge/cmd"

func main() {
	cmd.Execute()
}
