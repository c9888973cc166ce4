package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"ephemeral-auth/internal/config"
	"ephemeral-auth/internal/util"
)

// ClickHouseClient writes security metric snapshots.
type ClickHouseClient struct {
	conn driver.Conn
}

// clickhouseEndpoint is the parsed form of CLICKHOUSE_URL. http(s) URLs use
// the HTTP interface; clickhouse(s):// and bare hosts use the native protocol.
type clickhouseEndpoint struct {
	addr     string
	host     string
	protocol ch.Protocol
	secure   bool
}

func parseClickhouseURL(raw string) (clickhouseEndpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return clickhouseEndpoint{}, fmt.Errorf("invalid ClickHouse URL: %w", err)
	}
	if u.Hostname() == "" {
		return clickhouseEndpoint{}, errors.New("invalid ClickHouse URL: missing host")
	}

	ep := clickhouseEndpoint{host: u.Hostname()}
	var port string
	switch u.Scheme {
	case "http":
		ep.protocol, port = ch.HTTP, "8123"
	case "https":
		ep.protocol, port, ep.secure = ch.HTTP, "8443", true
	case "clickhouse", "tcp":
		ep.protocol, port = ch.Native, "9000"
	case "clickhouses":
		ep.protocol, port, ep.secure = ch.Native, "9440", true
	default:
		return clickhouseEndpoint{}, fmt.Errorf("invalid ClickHouse URL: unsupported scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	ep.addr = net.JoinHostPort(ep.host, port)
	return ep, nil
}

// clickhouseOptions builds driver options. TLS is always on in production.
func clickhouseOptions(chConfig config.ClickhouseConfig, production bool) (*ch.Options, error) {
	ep, err := parseClickhouseURL(chConfig.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr:     []string{ep.addr},
		Protocol: ep.protocol,
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if production || ep.secure {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: ep.host,
		}
		if chConfig.CAFile != "" {
			caCert, err := os.ReadFile(chConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("failed to append ClickHouse CA cert")
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}
	return opts, nil
}

func NewClickHouseClient(chConfig config.ClickhouseConfig, production bool) (*ClickHouseClient, error) {
	opts, err := clickhouseOptions(chConfig, production)
	if err != nil {
		return nil, err
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("addr", opts.Addr[0]),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)
	return &ClickHouseClient{conn: conn}, nil
}

// Exec runs a write or DDL statement.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert sends rows as one batch. An empty batch is a no-op.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
