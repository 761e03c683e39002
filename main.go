package main

import "speleostore/cmd"

func main() {
	cmd.Execute()
}
