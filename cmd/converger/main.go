package main

import "github.com/ramiqadoumi/ticketflow/services/converger/cli"

func main() {
	cli.Execute()
}
