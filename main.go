package main

import "github.com/chadmayfield/weatherlogd/cmd"

func main() {
	cmd.Execute()
}
