// Command migrate applies or inspects eventhub's schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/andreasots/eventhub/internal/config"
	"github.com/andreasots/eventhub/internal/db"
)

func main() {
	dbType := flag.String("type", config.DefaultDBType, "database type (sqlite or postgres)")
	dsn := flag.String("dsn", config.DefaultDBDSN, "database connection string")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	m, err := db.NewMigrator(*dbType, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "status":
		err = status(m)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func status(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("version %d, dirty=%v\n", version, dirty)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-type sqlite|postgres] [-dsn dsn] up|down|status")
}
