// The main package for the scrapai executable.
package main

import (
	"github.com/discourselab/scrapai-cli-sub000/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
