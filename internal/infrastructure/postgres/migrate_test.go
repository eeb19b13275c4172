package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("docs")},
		"seed.sql":       {Data: []byte("SELECT 0;")},
	}

	migrations, err := NewMigrator(nil, fsys, nil).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: version %d, want %d", i, migrations[i].Version, v)
		}
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"01_b.sql":  {Data: []byte("SELECT 1;")},
	}

	if _, err := NewMigrator(nil, fsys, nil).LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, Migrations(), nil).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(migrations))
	}

	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	for _, table := range []string{"drug_interactions", "dispensings", "administrations", "outbox", "inbox"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("table %s not created by any migration", table)
		}
	}
}

func TestEmbeddedMigrations_AdministrationMatchesDispensedItem(t *testing.T) {
	migrations, err := NewMigrator(nil, Migrations(), nil).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	for _, clause := range []string{
		"UNIQUE (id, prescription_item_id)",
		"FOREIGN KEY (dispensing_id, prescription_item_id)",
		"REFERENCES dispensings (id, prescription_item_id)",
	} {
		if !strings.Contains(all.String(), clause) {
			t.Errorf("schema is missing %q", clause)
		}
	}
}

func TestItemLedgerQuery_AdministrationsJoinDispensings(t *testing.T) {
	if !strings.Contains(itemLedgerQuery, "JOIN dispensings ds ON ds.id = a.dispensing_id") {
		t.Error("administered totals must be attributed through the dispensing record")
	}
	if !strings.Contains(itemLedgerQuery, "GROUP BY ds.prescription_item_id") {
		t.Error("administered totals must be grouped by the dispensed item")
	}
}
