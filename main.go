package main

import "github.com/andresmejia3/votegate/cmd"

func main() {
	cmd.Execute()
}
