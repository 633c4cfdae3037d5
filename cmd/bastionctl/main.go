package main

import "github.com/BradenHooton/bastion/cmd/bastionctl/cmd"

func main() {
	cmd.Execute()
}
