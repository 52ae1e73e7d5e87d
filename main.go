package main

import "github.com/melancholy-txt/goofy/cmd"

func main() {
	cmd.Execute()
}
