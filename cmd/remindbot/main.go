package main

import (
	"fmt"
	"os"
	_ "time/tzdata"
)

var (
	version = "dev"
	commit  string
)

func main() {
	if err := Execute(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "remindbot: %s\n", err.Error())
		os.Exit(1)
	}
}
