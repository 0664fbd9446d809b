package main

import "github.com/fred-drake/carapace/cmd"

func main() {
	cmd.Execute()
}
