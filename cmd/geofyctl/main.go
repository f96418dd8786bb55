package main

import (
	"log"

	"github.com/geofy/imagery-hooks/cmd/geofyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
