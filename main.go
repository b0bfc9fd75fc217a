package main

import "github.com/sax3l/sparkling-owl-spin/cmd"

func main() {
	cmd.Execute()
}
