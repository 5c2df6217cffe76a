package main

import "github.com/ramiqadoumi/ticketflow/services/api-gateway/cli"

func main() {
	cli.Execute()
}
