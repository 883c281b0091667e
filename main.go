// The main package for the harvester executable.
package main

import (
	"github.com/ferozemohideen/harvester/cmd"
)

func main() {
	cmd.Execute()
}
