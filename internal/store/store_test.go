package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sankurisyam/face-reco-student/internal/ledger"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs the ledger rules against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the docker socket is missing
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr, ledger.DefaultPeriods)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	date := time.Date(2025, 1, 6, 9, 30, 0, 0, time.Local)
	asha := types.Student{RollNo: "22FE1A0501", Name: "ASHA", Branch: "CSE"}
	bala := types.Student{RollNo: "22FE1A0502", Name: "BALA", Branch: "CSE"}
	chitra := types.Student{RollNo: "22FE1A0503", Name: "CHITRA", Branch: "CSE"}
	roster := []types.Student{asha, bala, chitra}

	commit := func(period int, present ...types.Student) []ledger.Row {
		t.Helper()
		rows, err := s.Commit(ctx, ledger.Commit{Branch: "CSE", Date: date, Period: period, Roster: roster, Present: present})
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		return rows
	}
	get := func(rows []ledger.Row, roll string) ledger.Row {
		for _, r := range rows {
			if r.RollNo == roll {
				return r
			}
		}
		t.Fatalf("no row for %s", roll)
		return ledger.Row{}
	}

	// Defaults: one present, the rest absent, every period initialized.
	rows := commit(2, asha)
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if get(rows, asha.RollNo).Status(2) != types.Present {
		t.Errorf("Expected asha present: %+v", get(rows, asha.RollNo))
	}
	if get(rows, bala.RollNo).Status(2) != types.Absent || get(rows, asha.RollNo).Status(5) != types.Absent {
		t.Errorf("Expected absent defaults: %+v", rows)
	}
	if get(rows, asha.RollNo).Date != "06/01/2025" {
		t.Errorf("Unexpected date %q", get(rows, asha.RollNo).Date)
	}

	// Idempotent and never reverted.
	again := commit(2)
	if get(again, asha.RollNo).Status(2) != types.Present {
		t.Error("Present was reverted")
	}

	// Concurrent sessions on different periods of the same branch.
	var wg sync.WaitGroup
	for p := 3; p <= 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := s.Commit(ctx, ledger.Commit{Branch: "CSE", Date: date, Period: p, Roster: roster, Present: []types.Student{roster[p%3]}})
			if err != nil {
				t.Errorf("period %d: %v", p, err)
			}
		}(p)
	}
	wg.Wait()

	all, err := s.Rows(ctx, "CSE")
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 rows after concurrent commits, got %d", len(all))
	}
	for p := 3; p <= 5; p++ {
		if get(all, roster[p%3].RollNo).Status(p) != types.Present {
			t.Errorf("Period %d lost its write", p)
		}
	}

	present, err := ledger.PresentFor(ctx, s, "CSE", date, 2)
	if err != nil {
		t.Fatalf("PresentFor failed: %v", err)
	}
	if len(present) != 1 || !present[asha.RollNo] {
		t.Errorf("Unexpected PresentFor result %v", present)
	}

	branches, err := s.Branches(ctx)
	if err != nil || len(branches) != 1 || branches[0] != "CSE" {
		t.Errorf("Branches() = %v, %v", branches, err)
	}

	if _, err := s.Commit(ctx, ledger.Commit{Branch: "CSE", Date: date, Period: 7}); err == nil {
		t.Error("Expected invalid period error")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
