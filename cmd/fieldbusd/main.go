package main

import (
	"fmt"
	"os"

	"github.com/dderyldowney/afs-fieldbus/cmd/fieldbusd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
