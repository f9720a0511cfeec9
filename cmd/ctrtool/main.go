package main

import "github.com/connesc/ctrcrypt/internal/cmd"

func main() {
	cmd.Execute()
}
