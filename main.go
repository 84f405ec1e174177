package main

import "github.com/nextlevelbuilder/goclaw-channeltalk/cmd"

func main() {
	cmd.Execute()
}
