package main

import "github.com/kimenyu/mpesa-bridge/cmd"

func main() {
	cmd.Execute()
}
