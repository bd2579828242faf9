package main

import "github.com/nextlevelbuilder/wacoder/cmd"

func main() {
	cmd.Execute()
}
