package main

import "github.com/bryanchriswhite/framegrab/cmd/framegrab/commands"

func main() {
	commands.Execute()
}
