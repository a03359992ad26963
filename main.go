package main

import (
	"os"

	"github.com/katasec/dstream-snapshot-mssql/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
