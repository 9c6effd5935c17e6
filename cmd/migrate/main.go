// Command migrate manages the provider schema in PostgreSQL.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"os"
	"strings"

	"contractai-go/internal/config"
	"contractai-go/internal/migrations"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (for storage.postgres_dsn)")
	dsn := flag.String("dsn", "", "PostgreSQL connection string; overrides the config file")
	action := flag.String("action", "status", "up | down | goto | force | status")
	steps := flag.Int("steps", 1, "migrations to roll back for -action down")
	version := flag.Int("version", -1, "target version for -action goto and force")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	target := strings.TrimSpace(*dsn)
	if target == "" {
		cfg, _, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("load configuration")
		}
		target = cfg.Storage.PostgresDSN
	}
	if target == "" {
		log.Fatal("no PostgreSQL DSN: pass -dsn or set storage.postgres_dsn")
	}

	db, err := sql.Open("postgres", target)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	mg, err := migrations.NewPostgres(db)
	if err != nil {
		log.WithError(err).Fatal("prepare migrations")
	}
	defer mg.Close()

	switch strings.ToLower(*action) {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down(*steps)
	case "goto":
		if *version < 0 {
			log.Fatal("-action goto needs -version")
		}
		err = mg.Goto(uint(*version))
	case "force":
		if *version < 0 {
			log.Fatal("-action force needs -version")
		}
		err = mg.Force(*version)
	case "status":
	default:
		log.Fatalf("unknown action %q (expected up, down, goto, force, status)", *action)
	}
	if err != nil {
		log.WithError(err).WithField("action", *action).Fatal("migration failed")
	}

	st, err := mg.Status()
	if err != nil {
		log.WithError(err).Fatal("read schema status")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(struct {
		migrations.Status
		Pending bool `json:"pending"`
	}{st, st.Pending()})
}
