package storage

import (
	"Flownix/internal/config"
	"Flownix/internal/model"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func memConfig(table string) config.StorageConfig {
	return config.StorageConfig{
		Type:        "badger",
		Table:       table,
		DNSTable:    "dns",
		CommitEvery: 5,
		Badger:      config.BadgerConfig{InMemory: true},
	}
}

func openMem(t *testing.T, table string, withSender bool) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(memConfig(table), withSender, quietLogger())
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(srcPort string) model.FlowKey {
	return model.FlowKey{
		Src:            model.Endpoint{Domain: model.None, IP: "192.168.1.10", Port: srcPort},
		Dst:            model.Endpoint{Domain: "example.com", IP: "93.184.216.34", Port: "443"},
		Interface:      "eth0",
		Direction:      "Out",
		NetworkProto:   "IP",
		TransportProto: "TCP",
		ToS:            "0x0",
		Description:    "sni: example.com",
		Process:        model.Process{Name: "curl", Cmd: "/usr/bin/curl", Args: "curl https://example.com"},
		Parent:         model.Process{Name: model.None, Cmd: model.None, Args: model.None},
	}
}

func TestBadgerStore_AdditiveUpsert(t *testing.T) {
	ctx := context.Background()
	s := openMem(t, "traffic", false)
	k := testKey("51413")

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	if err := s.Upsert(ctx, nil, k, 100, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	second := first.Add(5 * time.Second)
	if err := s.Upsert(ctx, nil, k, 50, second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, nil, testKey("51414"), 7, second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	recs, err := s.Records(ctx)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	for _, r := range recs {
		switch r.Key {
		case k:
			if r.TotalLength != 150 {
				t.Errorf("total_length = %d, want 150", r.TotalLength)
			}
			if !r.LastUpdated.Equal(second) {
				t.Errorf("last_updated = %s, want %s", r.LastUpdated, second)
			}
		default:
			if r.TotalLength != 7 {
				t.Errorf("unexpected record %+v", r)
			}
		}
		if r.Sender != nil {
			t.Errorf("local records must not carry a sender")
		}
	}
}

func TestBadgerStore_UncommittedIsInvisible(t *testing.T) {
	ctx := context.Background()
	s := openMem(t, "traffic", false)

	if err := s.Upsert(ctx, nil, testKey("1"), 10, time.Now()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	recs, err := s.Records(ctx)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("uncommitted rows must not be visible, got %d", len(recs))
	}
}

func TestBadgerStore_ReceiverLayout(t *testing.T) {
	ctx := context.Background()
	s := openMem(t, "receiver_traffic", true)
	k := testKey("51413")

	a := &model.Sender{Domain: "collector-a.lan", IP: "10.0.0.5"}
	b := &model.Sender{Domain: model.None, IP: "10.0.0.6"}
	for _, sender := range []*model.Sender{a, b, a} {
		if err := s.Upsert(ctx, sender, k, 100, time.Now()); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	if err := s.Upsert(ctx, nil, k, 1, time.Now()); !errors.Is(err, errSenderMismatch) {
		t.Errorf("expected errSenderMismatch for a row without sender, got %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	recs, err := s.Records(ctx)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	totals := map[string]uint64{}
	for _, r := range recs {
		if r.Sender == nil {
			t.Fatalf("receiver records must carry a sender")
		}
		totals[r.Sender.IP] += r.TotalLength
	}
	if totals["10.0.0.5"] != 200 || totals["10.0.0.6"] != 100 {
		t.Errorf("unexpected per-sender totals %v", totals)
	}
}

func TestBadgerStore_DNSTable(t *testing.T) {
	ctx := context.Background()
	s := openMem(t, "traffic", false)

	if err := s.SaveDNS(ctx, map[string]string{"1.1.1.1": "one.one.one.one", "10.0.0.9": model.None}); err != nil {
		t.Fatalf("SaveDNS failed: %v", err)
	}
	if err := s.SaveDNS(ctx, map[string]string{"1.1.1.1": "cloudflare"}); err != nil {
		t.Fatalf("SaveDNS failed: %v", err)
	}

	entries, err := s.LoadDNS(ctx)
	if err != nil {
		t.Fatalf("LoadDNS failed: %v", err)
	}
	if len(entries) != 2 || entries["1.1.1.1"] != "cloudflare" || entries["10.0.0.9"] != model.None {
		t.Errorf("unexpected dns entries %v", entries)
	}

	recs, err := s.Records(ctx)
	if err != nil || len(recs) != 0 {
		t.Errorf("dns rows must not leak into the traffic table: %v %v", recs, err)
	}
}

func TestTrafficTableDDL(t *testing.T) {
	ddl := trafficTableDDL("receiver_traffic", true)
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS receiver_traffic",
		"sender_domain String",
		"parent_process_arg String",
		"total_length SimpleAggregateFunction(sum, UInt64)",
		"ENGINE = AggregatingMergeTree()",
		"ORDER BY (sender_domain, sender_ip, src_domain,",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
	if strings.Contains(trafficTableDDL("traffic", false), "sender_ip") {
		t.Errorf("local table must not have sender columns")
	}
}
