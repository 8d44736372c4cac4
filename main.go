package main

import (
	"log"
	"os"

	"github.com/bobuhiro11/gopci/flag"
)

func main() {
	if err := flag.Parse(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}
