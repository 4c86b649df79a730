package main

import "github.com/crawdtv/crawd/cmd"

func main() {
	cmd.Execute()
}
