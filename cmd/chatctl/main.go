package main

import (
	"log"

	"github.com/chatpipe/chatpipe/cmd/chatctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
