package main

import "nathanbeddoewebdev/benchctl/cmd"

func main() {
	cmd.Execute()
}
