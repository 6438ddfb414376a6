package main

import (
	_ "github.com/mattn/go-sqlite3"

	"github.com/slotwise/slotwise-migrate/cmd"
)

func main() {
	cmd.Execute()
}
