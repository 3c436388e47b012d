// Package setup reads the pixure configuration and wires the blob backend,
// metadata store, session directory, media service and server together.
package setup

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MalauD/Pixure/media"
	"github.com/MalauD/Pixure/metadata"
	"github.com/MalauD/Pixure/persistence"
	"github.com/MalauD/Pixure/server"
	"github.com/MalauD/Pixure/session"
	"github.com/MalauD/Pixure/storage"
	"github.com/MalauD/Pixure/storage/s3"
	"github.com/MalauD/Pixure/storage/seaweed"
	"github.com/MalauD/Pixure/storage/sqlblob"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Configuration keys
const (
	EnvConfigFile      = "config_file"
	EnvListen          = "listen"
	EnvLogLevel        = "log_level"
	EnvDBURL           = "db_url"
	EnvBlobURL         = "blob_url"
	EnvVolumeCacheSize = "volume_cache_size"
	EnvRequestTimeout  = "request_timeout"
	EnvSessionSecret   = "session_secret"
	EnvZipkinURL       = "zipkin_url"
	EnvS3Region        = "s3_region"
)

const defaultMongoDatabase = "pixure"

var log = logrus.WithField("logger", "setup")

func canonKey(key string) string {
	return strings.Replace(strings.Replace(strings.ToLower(key), "-", "_", -1), ".", "_", -1)
}

// Config holds string settings by canonical key
type Config struct {
	values map[string]string
}

// NewConfig creates a config holding the built-in defaults
func NewConfig() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	// Replace forward slashes in case this is windows, URL parser errors
	cwd = strings.Replace(cwd, "\\", "/", -1)
	db := fmt.Sprintf("sqlite3://%s/data/pixure.db", cwd)

	c := &Config{values: make(map[string]string)}
	c.Set(EnvListen, ":8080")
	c.Set(EnvLogLevel, "info")
	c.Set(EnvDBURL, db)
	c.Set(EnvBlobURL, db)
	c.Set(EnvVolumeCacheSize, "100")
	c.Set(EnvRequestTimeout, "60000")
	c.Set(EnvS3Region, "us-east-1")
	return c
}

// Load builds the config from defaults, then the YAML file named by configFile
// (or by the config_file environment variable), then environ
func Load(configFile string, environ []string) (*Config, error) {
	c := NewConfig()
	env := make(map[string]string)
	for _, v := range environ {
		vals := strings.Split(v, "=")
		env[canonKey(vals[0])] = strings.Join(vals[1:], "=")
	}

	if configFile == "" {
		configFile = env[EnvConfigFile]
	}
	if configFile != "" {
		if err := c.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	for k, v := range env {
		c.values[k] = v
	}
	return c, nil
}

// LoadFile merges a flat YAML mapping of keys to scalar values into the config
func (c *Config) LoadFile(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	values := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	for k, v := range values {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return fmt.Errorf("config file %s: value of %s must be a scalar", path, k)
		case nil:
			c.Set(k, "")
		default:
			c.Set(k, fmt.Sprint(v))
		}
	}
	log.WithField("config_file", path).Info("Loaded config file")
	return nil
}

// Set overrides the value of key
func (c *Config) Set(key string, value string) {
	c.values[canonKey(key)] = value
}

// GetString returns the value of key, empty when unset
func (c *Config) GetString(key string) string {
	return c.values[canonKey(key)]
}

// GetInteger returns the value of key as a number
func (c *Config) GetInteger(key string) (int, error) {
	valueStr := c.GetString(key)
	if len(valueStr) == 0 {
		return 0, fmt.Errorf("missing required key %s", canonKey(key))
	}
	val, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("value '%s' of key %s is not a number", valueStr, canonKey(key))
	}
	return val, nil
}

// GetDurationMs reads key as a number of milliseconds
func (c *Config) GetDurationMs(key string) (time.Duration, error) {
	strVal := c.GetString(key)
	val, err := strconv.ParseUint(strVal, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value '%s' for config key '%s' - couldn't parse as int", strVal, canonKey(key))
	}
	return time.Millisecond * time.Duration(val), nil
}

// Pixure is a wired service ready to run
type Pixure struct {
	Server *server.Server
	Store  metadata.Store
	dbs    map[string]*sqlx.DB
}

// Close releases the metadata store and every SQL connection
func (p *Pixure) Close() error {
	err := p.Store.Close()
	for _, db := range p.dbs {
		db.Close()
	}
	return err
}

// Init configures logging and builds the service described by c, in the order
// blob backend, metadata store, session directory, media service, server
func Init(c *Config) (*Pixure, error) {
	logLevel, err := logrus.ParseLevel(c.GetString(EnvLogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(logLevel)

	gin.SetMode(gin.ReleaseMode)
	if logLevel == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	}

	timeout, err := c.GetDurationMs(EnvRequestTimeout)
	if err != nil {
		return nil, err
	}

	p := &Pixure{dbs: make(map[string]*sqlx.DB)}
	backend, err := p.blobBackend(c, timeout)
	if err != nil {
		p.closeDBs()
		return nil, err
	}

	store, err := p.metadataStore(c, backend, timeout)
	if err != nil {
		p.closeDBs()
		return nil, err
	}
	p.Store = store

	secret := c.GetString(EnvSessionSecret)
	if secret == "" {
		log.Warn("No session_secret set, sessions will not survive a restart")
		secret = uuid.New().String()
	}

	service := media.NewService(backend, store, session.NewDirectory())
	listen := c.GetString(EnvListen)
	srv, err := server.New(service, listen, secret)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Server = srv

	server.SetTracer(listen, c.GetString(EnvZipkinURL))
	return p, nil
}

func (p *Pixure) closeDBs() {
	for _, db := range p.dbs {
		db.Close()
	}
}

// sqlDB opens each database URL once, so db_url and blob_url may share a connection
func (p *Pixure) sqlDB(u *url.URL) (*sqlx.DB, error) {
	if db, ok := p.dbs[u.String()]; ok {
		return db, nil
	}
	db, err := persistence.CreateDBConnection(u)
	if err != nil {
		return nil, err
	}
	p.dbs[u.String()] = db
	return db, nil
}

func isSQL(scheme string) bool {
	switch scheme {
	case persistence.DriverSQLite, persistence.DriverMySQL, persistence.DriverPostgres:
		return true
	}
	return false
}

func (p *Pixure) blobBackend(c *Config, timeout time.Duration) (storage.Backend, error) {
	blobURLString := c.GetString(EnvBlobURL)
	blobURL, err := url.Parse(blobURLString)
	if err != nil {
		return nil, fmt.Errorf("invalid blob URL in %s : %s", EnvBlobURL, blobURLString)
	}

	switch {
	case blobURL.Scheme == "inmem":
		log.Info("Using in-memory blob storage")
		return storage.NewInMemBackend(), nil

	case blobURL.Scheme == "seaweed" || blobURL.Scheme == "http" || blobURL.Scheme == "https":
		cacheSize, err := c.GetInteger(EnvVolumeCacheSize)
		if err != nil {
			return nil, err
		}
		log.WithField("master_url", blobURL.Host).Info("Using seaweed blob storage")
		return seaweed.New(blobURLString, cacheSize, seaweed.WithTimeout(timeout))

	case blobURL.Scheme == "s3":
		return s3.New(s3Config(blobURL, c.GetString(EnvS3Region), timeout))

	case isSQL(blobURL.Scheme):
		db, err := p.sqlDB(blobURL)
		if err != nil {
			return nil, err
		}
		log.Info("Using SQL blob storage")
		return sqlblob.New(db), nil
	}
	return nil, fmt.Errorf("unsupported blob URL scheme %q in %s", blobURL.Scheme, EnvBlobURL)
}

// s3Config reads s3://[key:secret@]bucket?region=..&endpoint=..
func s3Config(u *url.URL, defaultRegion string, timeout time.Duration) s3.Config {
	cfg := s3.Config{
		Bucket:     u.Host,
		Region:     u.Query().Get("region"),
		Endpoint:   u.Query().Get("endpoint"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}
	return cfg
}

func (p *Pixure) metadataStore(c *Config, handles metadata.Handles, timeout time.Duration) (metadata.Store, error) {
	dbURLString := c.GetString(EnvDBURL)
	dbURL, err := url.Parse(dbURLString)
	if err != nil {
		return nil, fmt.Errorf("invalid DB URL in %s : %s", EnvDBURL, dbURLString)
	}

	switch {
	case dbURL.Scheme == "inmem":
		log.Info("Using in-memory metadata store")
		return metadata.NewInMemStore(), nil

	case dbURL.Scheme == "mongodb" || dbURL.Scheme == "mongodb+srv":
		database := strings.TrimPrefix(dbURL.Path, "/")
		if database == "" {
			database = defaultMongoDatabase
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		log.WithField("database", database).Info("Using mongo metadata store")
		return metadata.NewMongoStore(ctx, dbURLString, database, handles)

	case isSQL(dbURL.Scheme):
		db, err := p.sqlDB(dbURL)
		if err != nil {
			return nil, err
		}
		log.WithField("driver", dbURL.Scheme).Info("Using SQL metadata store")
		return metadata.NewSQLStore(db, handles), nil
	}
	return nil, fmt.Errorf("unsupported DB URL scheme %q in %s", dbURL.Scheme, EnvDBURL)
}
