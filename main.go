package main

import "github.com/nextlevelbuilder/wainbound/cmd"

func main() {
	cmd.Execute()
}
