package main

import "github.com/ramiqadoumi/ticketflow/services/enricher/cli"

func main() {
	cli.Execute()
}
