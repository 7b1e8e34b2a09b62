package main

import "github.com/andresmejia3/distguard/cmd"

func main() {
	cmd.Execute()
}
