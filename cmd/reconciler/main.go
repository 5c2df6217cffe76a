package main

import "github.com/ramiqadoumi/ticketflow/services/reconciler/cli"

func main() {
	cli.Execute()
}
