package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Package-level singleton instance
var dbInstance *DB

// Config holds graph endpoint configuration. The graph engine speaks the
// Redis wire protocol; Cypher is sent through GRAPH.QUERY commands.
type Config struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Password       string `toml:"password"`
	PrimaryName    string `toml:"primary_name"`
	ThoughtLogName string `toml:"thoughtlog_name"`
}

// Validate checks graph configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 6379
	}
	if c.PrimaryName == "" {
		return fmt.Errorf("primary_name is required")
	}
	if c.ThoughtLogName == "" {
		return fmt.Errorf("thoughtlog_name is required")
	}
	return nil
}

// Init initializes the graph database singleton with config.
func Init(cfg Config) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	dbInstance = db
	return nil
}

// NewDB returns the singleton DB instance.
func NewDB() *DB {
	return dbInstance
}

// Close closes the singleton DB connection.
func Close() error {
	if dbInstance == nil {
		return nil
	}
	return dbInstance.Close()
}

// DB is a connection to the graph engine. One DB hosts multiple logical
// graphs addressed by name.
type DB struct {
	rdb *redis.Client
	cfg Config
}

// Open connects to the graph engine and verifies the connection.
func Open(cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to graph engine: %w", err)
	}

	return &DB{rdb: rdb, cfg: cfg}, nil
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying client for list-backed queues sharing the
// same endpoint.
func (db *DB) Redis() *redis.Client {
	return db.rdb
}

// Graph returns a handle to a logical graph by name.
func (db *DB) Graph(name string) *Graph {
	return &Graph{rdb: db.rdb, name: name}
}

// Primary returns the observational graph handle.
func (db *DB) Primary() *Graph {
	return db.Graph(db.cfg.PrimaryName)
}

// ThoughtLog returns the reasoning-log graph handle.
func (db *DB) ThoughtLog() *Graph {
	return db.Graph(db.cfg.ThoughtLogName)
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.rdb.Close()
}

// Graph is a handle to one logical graph.
type Graph struct {
	rdb  *redis.Client
	name string
}

// Name returns the logical graph name.
func (g *Graph) Name() string {
	return g.name
}

// Query executes a Cypher statement with parameters and parses the reply.
func (g *Graph) Query(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	return g.run(ctx, "GRAPH.QUERY", cypher, params)
}

// ReadQuery executes a Cypher statement on a read-only endpoint. Write
// clauses are rejected by the engine.
func (g *Graph) ReadQuery(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	return g.run(ctx, "GRAPH.RO_QUERY", cypher, params)
}

func (g *Graph) run(ctx context.Context, command, cypher string, params map[string]any) (*Result, error) {
	stmt := cypher
	if len(params) > 0 {
		prefix, err := encodeParams(params)
		if err != nil {
			return nil, err
		}
		stmt = prefix + " " + cypher
	}

	raw, err := g.rdb.Do(ctx, command, g.name, stmt).Result()
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}

	return parseReply(raw)
}
