package main

import (
	"github.com/vantico/deskpilot/cmd"
)

func main() {
	cmd.Execute()
}
