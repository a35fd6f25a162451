package main

import (
	"log"
	"os"

	"ballpit/server"
)

func main() {
	log.SetPrefix("ballpit-server ")
	if err := server.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
