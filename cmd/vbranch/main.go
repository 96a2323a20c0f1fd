package main

import "github.com/javanhut/vbranch/cli"

func main() {
	cli.Execute()
}
