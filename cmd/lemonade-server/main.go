// lemonade-server is the Lemonade gateway CLI: it runs the server and talks
// to a running one for model management.
package main

import (
	"os"

	"github.com/lemonade-sdk/lemonade-server/cmd/lemonade-server/commands"
)

func main() {
	os.Exit(commands.Execute())
}
