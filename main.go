package main

import "featurebot/cmd"

func main() {
	cmd.Execute()
}
