package main

import "github.com/factorysh/maintenance/cmd"

func main() {
	cmd.Execute()
}
