package main

import "github.com/jimmidyson/hawtio-jmx/cmd"

func main() {
	cmd.Execute()
}
