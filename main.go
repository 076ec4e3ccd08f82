package main

import "github.com/kebairia/drivemirror/cmd"

func main() {
	cmd.Execute()
}
