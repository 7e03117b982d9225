package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/gofanout/fanout/internal/conn"
	"github.com/gofanout/fanout/pkg/config/configstore"
	"github.com/gofanout/fanout/pkg/config/filestore"
	"github.com/gofanout/fanout/pkg/config/mongostore"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")

	validate = validator.New()
)

// Store combines the load/save capability with optional change
// watching, for backends that support it.
type Store interface {
	configstore.Store
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // settings document ID
}

// EngineSettings bound the task engine's parallelism.
type EngineSettings struct {
	MaxWorkers int `yaml:"max_workers,omitempty" json:"max_workers,omitempty" validate:"omitempty,min=1"`
}

// ReportSettings configure the optional per-host outcome sink.
type ReportSettings struct {
	Brokers []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty" json:"topic,omitempty"`
}

// Settings is the tool's runtime configuration: connection defaults
// merged into every normalized host record, engine width, the outcome
// report sink and named host roles usable from the CLI.
type Settings struct {
	Defaults conn.Params         `yaml:"defaults,omitempty" json:"defaults,omitempty" validate:"-"`
	Engine   EngineSettings      `yaml:"engine,omitempty" json:"engine,omitempty"`
	Report   ReportSettings      `yaml:"report,omitempty" json:"report,omitempty"`
	Roles    map[string][]string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// Validate checks field constraints on the loaded settings. Defaults
// are validated separately because an empty defaults block is fine.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Role resolves a named host list.
func (s *Settings) Role(name string) ([]string, bool) {
	hosts, ok := s.Roles[name]
	return hosts, ok
}

// NewStore builds a settings store of the requested backend type.
func NewStore(storeType StoreType, cfg any) (Store, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// Load reads and validates settings from a store.
func Load(store configstore.Store) (*Settings, error) {
	var s Settings
	if err := store.Load(&s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
