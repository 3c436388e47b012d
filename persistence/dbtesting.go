package persistence

import (
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
)

// TestDBURL creates a fresh sqlite database location for a test, returning
// its URL and the directory to hand to ResetTestDB
func TestDBURL() (*url.URL, string) {
	dir, err := ioutil.TempDir("", "pixure_test")
	if err != nil {
		panic(err)
	}
	url, err := url.Parse("sqlite3://" + filepath.Join(dir, "test.db"))
	if err != nil {
		panic(err)
	}
	return url, dir
}

// ResetTestDB removes a database created under TestDBURL
func ResetTestDB(dir string) {
	os.RemoveAll(dir)
}
