//go:build mongodb
// +build mongodb

// Integration tests of the MongoDB adapter. The tests are skipped unless FANOUT_TEST_MONGODB
// points to a config file like the following:
//
//	{
//		"reset_db_data": true,
//		"adapters": {
//			"mongodb": {"addresses": "localhost:27017", "database": "fanout_test"}
//		}
//	}
package tests

import (
	"encoding/json"
	"os"
	"testing"

	jcr "github.com/tinode/jsonco"

	"github.com/tinode/fanout/server/db/common/test_data"
	"github.com/tinode/fanout/server/db/common/testsuite"
	_ "github.com/tinode/fanout/server/db/mongodb"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
)

type configType struct {
	// If Reset=true test will recreate database every time it runs
	Reset bool `json:"reset_db_data"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

var config configType

func TestMain(m *testing.M) {
	conffile := os.Getenv("FANOUT_TEST_MONGODB")
	if conffile == "" {
		os.Exit(0)
	}

	logs.Init(os.Stderr, "stdFlags")
	file, err := os.Open(conffile)
	if err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	}
	if err = json.NewDecoder(jcr.New(file)).Decode(&config); err != nil {
		logs.Err.Fatal("Failed to parse config file: ", err)
	}
	file.Close()

	storeConf := test_data.StoreConfig("mongodb", config.Adapters["mongodb"])
	if config.Reset {
		err = store.Store.InitDb(storeConf, true)
	} else {
		err = store.Store.Open(1, storeConf)
	}
	if err != nil {
		logs.Err.Fatal("Failed to open database: ", err)
	}

	code := m.Run()
	store.Store.Close()
	os.Exit(code)
}

func TestSuite(t *testing.T) {
	testsuite.RunAll(t, test_data.InitTestData())
}
