package main

import "github.com/nextlevelbuilder/omnigate/cmd"

func main() {
	cmd.Execute()
}
