package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()

	repo, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestMigrations(t *testing.T) {
	repo := testRepo(t)

	// All tables exist and are empty after migration.
	if stats, err := repo.LoadAllTime(); err != nil || len(stats) != 0 {
		t.Errorf("all-time: %v, %d rows", err, len(stats))
	}
	if stats, err := repo.LoadMonth(); err != nil || len(stats) != 0 {
		t.Errorf("month: %v, %d rows", err, len(stats))
	}
	if key, err := repo.LastResetKey(); err != nil || key != "" {
		t.Errorf("reset key: %v, %q", err, key)
	}
}

func TestSaveStats(t *testing.T) {
	repo := testRepo(t)
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("insert then update", func(t *testing.T) {
		err := repo.SaveStats(
			[]PlayerStat{{Username: "alice", Score: 50, Seconds: 3, LastSeen: now}},
			[]MonthStat{{Username: "alice", Score: 50, Seconds: 3}},
		)
		if err != nil {
			t.Fatalf("save: %v", err)
		}

		err = repo.SaveStats(
			[]PlayerStat{{Username: "alice", Score: 60, Seconds: 4, LastSeen: now}},
			[]MonthStat{{Username: "alice", Score: 60, Seconds: 4}},
		)
		if err != nil {
			t.Fatalf("second save: %v", err)
		}

		all, err := repo.LoadAllTime()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got := all["alice"]; got.Score != 60 || got.Seconds != 4 {
			t.Errorf("alice = %+v", got)
		}
	})

	t.Run("upsert preserves linked identity", func(t *testing.T) {
		if _, ok, err := repo.ApproveRequest("bob", now); err != nil || ok {
			t.Fatalf("no pending request should exist: ok=%v err=%v", ok, err)
		}

		if _, err := repo.CreateRequest(PendingRequest{Username: "bob", RequesterID: "u123", RequestedAt: now}); err != nil {
			t.Fatal(err)
		}
		if _, ok, err := repo.ApproveRequest("bob", now); err != nil || !ok {
			t.Fatalf("approve: ok=%v err=%v", ok, err)
		}

		// Activity write must not wipe the link.
		err := repo.SaveStats(
			[]PlayerStat{{Username: "bob", Score: 5, Seconds: 1, LastSeen: now, LinkedIdentity: "u123"}},
			nil,
		)
		if err != nil {
			t.Fatal(err)
		}

		all, _ := repo.LoadAllTime()
		if all["bob"].LinkedIdentity != "u123" {
			t.Errorf("linked identity lost: %+v", all["bob"])
		}
	})
}

func TestResetMonth(t *testing.T) {
	repo := testRepo(t)
	now := time.Now()

	err := repo.SaveStats(
		[]PlayerStat{{Username: "alice", Score: 50, Seconds: 3, LastSeen: now}},
		[]MonthStat{{Username: "alice", Score: 50, Seconds: 3}},
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.ResetMonth("2026-09"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	month, _ := repo.LoadMonth()
	if len(month) != 0 {
		t.Errorf("month store not cleared: %d rows", len(month))
	}

	all, _ := repo.LoadAllTime()
	if len(all) != 1 {
		t.Errorf("all-time store must survive reset: %d rows", len(all))
	}

	key, _ := repo.LastResetKey()
	if key != "2026-09" {
		t.Errorf("key = %q", key)
	}
}

func TestRequests(t *testing.T) {
	repo := testRepo(t)
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("create is unique per username", func(t *testing.T) {
		ok, err := repo.CreateRequest(PendingRequest{Username: "carol", RequesterID: "u1", RequestedAt: now})
		if err != nil || !ok {
			t.Fatalf("first create: ok=%v err=%v", ok, err)
		}

		ok, err = repo.CreateRequest(PendingRequest{Username: "carol", RequesterID: "u2", RequestedAt: now})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("duplicate create must report false")
		}

		req, err := repo.GetRequest("carol")
		if err != nil || req == nil {
			t.Fatalf("get: %v, %v", req, err)
		}
		if req.RequesterID != "u1" {
			t.Errorf("original requester must win, got %q", req.RequesterID)
		}
	})

	t.Run("approve consumes the request", func(t *testing.T) {
		requester, ok, err := repo.ApproveRequest("carol", now)
		if err != nil || !ok {
			t.Fatalf("approve: ok=%v err=%v", ok, err)
		}
		if requester != "u1" {
			t.Errorf("requester = %q", requester)
		}

		if req, _ := repo.GetRequest("carol"); req != nil {
			t.Error("request should be gone after approve")
		}

		if _, ok, _ := repo.ApproveRequest("carol", now); ok {
			t.Error("second approve must report false")
		}

		exists, err := repo.HasPlayer("carol")
		if err != nil || !exists {
			t.Errorf("approved player missing: %v, %v", exists, err)
		}

		stat, err := repo.FindByIdentity("u1")
		if err != nil || stat == nil {
			t.Fatalf("find by identity: %v, %v", stat, err)
		}
		if stat.Username != "carol" || stat.Score != 0 || stat.Seconds != 0 {
			t.Errorf("approved stat = %+v", stat)
		}
	})

	t.Run("reject deletes only pending", func(t *testing.T) {
		if ok, _ := repo.RejectRequest("nobody"); ok {
			t.Error("rejecting a non-pending username must report false")
		}

		if _, err := repo.CreateRequest(PendingRequest{Username: "dave", RequesterID: "u9", RequestedAt: now}); err != nil {
			t.Fatal(err)
		}
		if ok, _ := repo.RejectRequest("dave"); !ok {
			t.Error("reject should succeed")
		}
		if ok, _ := repo.RejectRequest("dave"); ok {
			t.Error("second reject must report false")
		}
	})

	t.Run("list is oldest first", func(t *testing.T) {
		_, _ = repo.CreateRequest(PendingRequest{Username: "old", RequesterID: "u1", RequestedAt: now.Add(-time.Hour)})
		_, _ = repo.CreateRequest(PendingRequest{Username: "new", RequesterID: "u2", RequestedAt: now})

		reqs, err := repo.ListRequests()
		if err != nil {
			t.Fatal(err)
		}
		if len(reqs) != 2 || reqs[0].Username != "old" {
			t.Errorf("reqs = %+v", reqs)
		}
	})
}
