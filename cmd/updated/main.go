package main

import "github.com/oshokin/ota-updated/cmd/updated/cmd"

func main() {
	cmd.Execute()
}
