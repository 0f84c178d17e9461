// Package graphdb exports shop affinity networks to Neo4j.
package graphdb

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/network"
)

const (
	constraintQuery = `CREATE CONSTRAINT shop_name IF NOT EXISTS
		FOR (s:Shop) REQUIRE s.name IS UNIQUE`

	// Shops carry the metrics of the most recent export that included them.
	mergeShopsQuery = `
		UNWIND $shops AS shop
		MERGE (s:Shop {name: shop.name})
		SET s.betweenness = shop.betweenness,
			s.degree = shop.degree,
			s.closeness = shop.closeness,
			s.eigenvector = shop.eigenvector,
			s.community = shop.community,
			s.revenue = shop.revenue,
			s.is_added = shop.is_added,
			s.process_id = $processID`

	// Relationships are scoped to one job so that reruns never mix weights.
	mergeLinksQuery = `
		UNWIND $links AS link
		MATCH (a:Shop {name: link.source})
		MATCH (b:Shop {name: link.target})
		MERGE (a)-[r:AFFINITY {process_id: $processID}]->(b)
		SET r.lift = link.lift`
)

// Config holds the Neo4j connection configuration
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	Timeout  time.Duration
}

// execFunc runs one write query.
type execFunc func(ctx context.Context, query string, params map[string]any) error

// Client wraps the Neo4j driver for network exports
type Client struct {
	driver  neo4j.DriverWithContext
	exec    execFunc
	timeout time.Duration
}

// NewClient connects to Neo4j and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	database := cfg.Database
	c := &Client{driver: driver, timeout: cfg.Timeout}
	c.exec = func(ctx context.Context, query string, params map[string]any) error {
		_, err := neo4j.ExecuteQuery(
			ctx,
			driver,
			query,
			params,
			neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(database),
			neo4j.ExecuteQueryWithWritersRouting())
		return err
	}

	logger.Info("Connected to Neo4j at %s", cfg.URI)
	return c, nil
}

// Close closes the Neo4j driver connection
func (c *Client) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

// ExportNetwork merges the shops and affinity links of net. An empty
// network is a no-op.
func (c *Client) ExportNetwork(ctx context.Context, processID string, net *network.Network) error {
	if net == nil || net.Empty() {
		return nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	steps := []struct {
		name   string
		query  string
		params map[string]any
	}{
		{"constraint", constraintQuery, nil},
		{"shops", mergeShopsQuery, map[string]any{"processID": processID, "shops": shopParams(net)}},
		{"links", mergeLinksQuery, map[string]any{"processID": processID, "links": linkParams(net)}},
	}

	for _, step := range steps {
		if err := c.exec(ctx, step.query, step.params); err != nil {
			return fmt.Errorf("failed to export %s: %w", step.name, err)
		}
	}

	logger.Debug("Exported %d shops and %d links for %s", len(net.Nodes), len(net.Links), processID)
	return nil
}

func shopParams(net *network.Network) []map[string]any {
	shops := make([]map[string]any, len(net.Nodes))
	for i, n := range net.Nodes {
		shops[i] = map[string]any{
			"name":        n.ID,
			"betweenness": n.Betweenness,
			"degree":      n.Degree,
			"closeness":   n.Closeness,
			"eigenvector": n.Eigenvector,
			"community":   int64(n.Community),
			"revenue":     n.Revenue,
			"is_added":    n.IsAdded,
		}
	}
	return shops
}

func linkParams(net *network.Network) []map[string]any {
	links := make([]map[string]any, len(net.Links))
	for i, l := range net.Links {
		links[i] = map[string]any{
			"source": l.Source,
			"target": l.Target,
			"lift":   l.Weight,
		}
	}
	return links
}
