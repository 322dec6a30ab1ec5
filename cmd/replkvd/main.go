package main

import (
	"log"

	"github.com/replkv/replkv/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
