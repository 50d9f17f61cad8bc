// Command codeqa indexes a source code repository into a vector store and
// answers natural language questions about it. It provides an interactive
// console loop, one-shot commands, and an optional HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/codeqa-go/cmd/codeqa/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
