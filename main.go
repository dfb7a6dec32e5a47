package main

import "github.com/maastricht-university/soundscan/cli"

func main() {
	cli.Execute()
}
