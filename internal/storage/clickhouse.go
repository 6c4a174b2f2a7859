package storage

import (
	"Flownix/internal/config"
	"Flownix/internal/factory"
	"Flownix/internal/model"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterStore("clickhouse", func(cfg config.StorageConfig, withSender bool, log logrus.FieldLogger) (model.Store, error) {
		return OpenClickHouse(cfg, withSender, log)
	})
}

// ClickHouseStore writes traffic rows into an AggregatingMergeTree table so that
// rows with the same key are summed by the engine. Reads always aggregate, so
// results are correct before background merges run.
type ClickHouseStore struct {
	conn       driver.Conn
	table      string
	dnsTable   string
	withSender bool
	batch      driver.Batch
	log        logrus.FieldLogger
}

// OpenClickHouse connects and ensures both tables exist.
func OpenClickHouse(cfg config.StorageConfig, withSender bool, log logrus.FieldLogger) (*ClickHouseStore, error) {
	log = log.WithField("component", "clickhouse")

	conn, err := connect(cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Exec(ctx, trafficTableDDL(cfg.Table, withSender)); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", cfg.Table, err)
	}
	if err := conn.Exec(ctx, dnsTableDDL(cfg.DNSTable)); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", cfg.DNSTable, err)
	}
	log.Infof("Connected to ClickHouse and ensured tables %s and %s exist", cfg.Table, cfg.DNSTable)

	return &ClickHouseStore{
		conn:       conn,
		table:      cfg.Table,
		dnsTable:   cfg.DNSTable,
		withSender: withSender,
		log:        log,
	}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// trafficTableDDL builds the traffic table statement. Every key column is part
// of the sorting key, which is what the engine aggregates on.
func trafficTableDDL(table string, withSender bool) string {
	cols := keyColumns(withSender)
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for _, c := range cols {
		fmt.Fprintf(&b, "    %s String,\n", c)
	}
	b.WriteString("    total_length SimpleAggregateFunction(sum, UInt64),\n")
	b.WriteString("    last_updated SimpleAggregateFunction(max, DateTime)\n")
	b.WriteString(") ENGINE = AggregatingMergeTree()\n")
	fmt.Fprintf(&b, "ORDER BY (%s)", strings.Join(cols, ", "))
	return b.String()
}

func dnsTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    ip      String,
    domain  String,
    updated DateTime64(3)
) ENGINE = ReplacingMergeTree(updated)
ORDER BY ip`, table)
}

// Upsert implements model.TrafficStore by appending to the pending insert batch.
func (s *ClickHouseStore) Upsert(ctx context.Context, sender *model.Sender, key model.FlowKey, bytes uint64, at time.Time) error {
	cols, err := rowColumns(s.withSender, sender, key)
	if err != nil {
		return err
	}
	if s.batch == nil {
		s.batch, err = s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
	}

	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		args = append(args, c)
	}
	args = append(args, bytes, at)
	if err := s.batch.Append(args...); err != nil {
		return fmt.Errorf("failed to append row to batch: %w", err)
	}
	return nil
}

// Commit implements model.TrafficStore by sending the pending batch.
func (s *ClickHouseStore) Commit(ctx context.Context) error {
	if s.batch == nil {
		return nil
	}
	batch := s.batch
	s.batch = nil
	if batch.Rows() == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Records implements model.TrafficStore.
func (s *ClickHouseStore) Records(ctx context.Context) ([]model.TrafficRecord, error) {
	cols := keyColumns(s.withSender)
	list := strings.Join(cols, ", ")
	query := fmt.Sprintf("SELECT %s, sum(total_length), max(last_updated) FROM %s GROUP BY %s", list, s.table, list)

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []model.TrafficRecord
	for rows.Next() {
		values := make([]string, len(cols))
		dest := make([]any, 0, len(cols)+2)
		for i := range values {
			dest = append(dest, &values[i])
		}
		var total uint64
		var updated time.Time
		dest = append(dest, &total, &updated)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec, err := recordFromColumns(s.withSender, values)
		if err != nil {
			return nil, err
		}
		rec.TotalLength = total
		rec.LastUpdated = updated
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadDNS implements model.DNSTable.
func (s *ClickHouseStore) LoadDNS(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT ip, argMax(domain, updated) FROM %s GROUP BY ip", s.dnsTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.dnsTable, err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var ip, domain string
		if err := rows.Scan(&ip, &domain); err != nil {
			return nil, fmt.Errorf("failed to scan dns row: %w", err)
		}
		entries[ip] = domain
	}
	return entries, rows.Err()
}

// SaveDNS implements model.DNSTable. The newest row per address wins.
func (s *ClickHouseStore) SaveDNS(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.dnsTable)
	if err != nil {
		return fmt.Errorf("failed to prepare dns batch: %w", err)
	}
	now := time.Now()
	for ip, domain := range entries {
		if err := batch.Append(ip, domain, now); err != nil {
			return fmt.Errorf("failed to append dns row: %w", err)
		}
	}
	return batch.Send()
}

// Close aborts any unsent batch and closes the connection.
func (s *ClickHouseStore) Close() error {
	if s.batch != nil {
		if err := s.batch.Abort(); err != nil {
			s.log.WithError(err).Warn("Failed to abort pending batch")
		}
		s.batch = nil
	}
	return s.conn.Close()
}
