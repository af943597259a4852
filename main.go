package main

import "comfyenv/cli"

func main() {
	cli.Execute()
}
