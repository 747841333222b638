package main

import "github.com/nextlevelbuilder/agentmemory/cmd"

func main() {
	cmd.Execute()
}
