// Creates, resets or upgrades the fanout database and optionally loads sample members and
// messages.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	_ "github.com/tinode/fanout/server/db/memory"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	jcr "github.com/tinode/jsonco"
)

type configType struct {
	StoreConfig json.RawMessage `json:"store_config"`
}

func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			log.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			log.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		}
		return nil, err
	}
	return &config, nil
}

func main() {
	var reset = flag.Bool("reset", false, "force database reset")
	var upgrade = flag.Bool("upgrade", false, "perform database version upgrade")
	var noInit = flag.Bool("no_init", false, "check that database exists but don't create if missing")
	var datafile = flag.String("data", "", "name of file with sample data to load")
	var conffile = flag.String("config", "./fanout.conf", "config of the database connection")

	flag.Parse()
	logs.Init(os.Stderr, "stdFlags")

	var data *Data
	if *datafile != "" && *datafile != "-" {
		raw, err := os.ReadFile(*datafile)
		if err != nil {
			log.Fatalln("Failed to read sample data file:", err)
		}
		data = &Data{}
		if err = json.Unmarshal(raw, data); err != nil {
			log.Fatalln("Failed to parse sample data:", err)
		}
	}

	config, err := loadConfig(*conffile)
	if err != nil {
		log.Fatalln("Failed to read config file:", err)
	}

	err = store.Store.Open(1, config.StoreConfig)
	defer store.Store.Close()

	log.Println("Database", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())

	if err != nil {
		if strings.Contains(err.Error(), "not initialized") {
			if *noInit {
				log.Fatalln("Database not found.")
			}
			log.Println("Database not found. Creating.")
		} else if strings.Contains(err.Error(), "Invalid database version") {
			msg := "Wrong DB version: expected " + strconv.Itoa(store.Store.GetAdapterVersion()) + ", got " +
				strconv.Itoa(store.Store.GetDbVersion()) + "."
			if *reset {
				log.Println(msg, "Dropping and recreating the database.")
			} else if *upgrade {
				log.Println(msg, "Upgrading the database.")
			} else {
				log.Fatalln(msg, "Use --reset to reset, --upgrade to upgrade.")
			}
		} else {
			log.Fatalln("Failed to init DB adapter:", err)
		}
	} else if *reset {
		log.Println("Database reset requested")
	} else if data == nil {
		log.Println("Database exists, DB version is correct. All done.")
		return
	}

	if *upgrade {
		if err = store.Store.UpgradeDb(config.StoreConfig); err == nil {
			log.Println("Database successfully upgraded.")
		}
	} else if err != nil || *reset {
		if err = store.Store.InitDb(config.StoreConfig, *reset); err == nil {
			action := "initialized"
			if *reset {
				action = "reset"
			}
			log.Println("Database", action)
		}
	}
	if err != nil {
		log.Fatalln("Failed to init DB:", err)
	}

	if data == nil {
		return
	}
	if *upgrade {
		log.Println("Sample data ignored. All done.")
		return
	}
	if err = genDb(data); err != nil {
		log.Fatalln("Failed to load sample data:", err)
	}
}
