package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thestics/web-chat/internal/db"
	"github.com/thestics/web-chat/internal/models"
	"gorm.io/gorm"
)

// testDB connects to the local dev database; tests are skipped when it is
// not reachable, same as the router tests.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=webchat port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return gdb
}

func testUser(t *testing.T, gdb *gorm.DB) models.User {
	t.Helper()
	user := models.User{
		Username:     fmt.Sprintf("presence-test-%d", time.Now().UnixNano()),
		PasswordHash: "x",
	}
	if err := gdb.Create(&user).Error; err != nil {
		t.Fatalf("create test user: %v", err)
	}
	t.Cleanup(func() {
		gdb.Where("user_id = ?", user.ID).Delete(&models.ActiveUser{})
		gdb.Delete(&user)
	})
	return user
}

func TestPresenceStore_IncrementDecrementTransitions(t *testing.T) {
	gdb := testDB(t)
	user := testUser(t, gdb)
	s := NewPresenceStore(gdb)

	n, first, err := s.Increment(user.ID, user.Username)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if n != 1 || !first {
		t.Errorf("Increment() = (%d, %v), want (1, true)", n, first)
	}

	n, first, err = s.Increment(user.ID, user.Username)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if n != 2 || first {
		t.Errorf("Increment() = (%d, %v), want (2, false)", n, first)
	}

	n, last, err := s.Decrement(user.ID)
	if err != nil {
		t.Fatalf("Decrement() error = %v", err)
	}
	if n != 1 || last {
		t.Errorf("Decrement() = (%d, %v), want (1, false)", n, last)
	}

	n, last, err = s.Decrement(user.ID)
	if err != nil {
		t.Fatalf("Decrement() error = %v", err)
	}
	if n != 0 || !last {
		t.Errorf("Decrement() = (%d, %v), want (0, true)", n, last)
	}

	if _, _, err = s.Decrement(user.ID); !errors.Is(err, ErrNegativeConnections) {
		t.Errorf("Decrement() below zero error = %v, want ErrNegativeConnections", err)
	}
}

func TestPresenceStore_ConcurrentIncrementsExactlyOneFirst(t *testing.T) {
	gdb := testDB(t)
	user := testUser(t, gdb)
	s := NewPresenceStore(gdb)

	const n = 10
	var wg sync.WaitGroup
	firsts := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, first, err := s.Increment(user.ID, user.Username)
			if err != nil {
				t.Errorf("Increment() error = %v", err)
				return
			}
			firsts[i] = first
		}(i)
	}
	wg.Wait()

	count := 0
	for _, f := range firsts {
		if f {
			count++
		}
	}
	if count != 1 {
		t.Errorf("got %d first-online transitions, want exactly 1", count)
	}

	rec, err := s.GetOrCreate(user.ID, user.Username)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if rec.ActiveConnections != n {
		t.Errorf("ActiveConnections = %d, want %d", rec.ActiveConnections, n)
	}
}

func TestPresenceStore_ListOnline(t *testing.T) {
	gdb := testDB(t)
	user := testUser(t, gdb)
	s := NewPresenceStore(gdb)

	online, err := s.ListOnline()
	if err != nil {
		t.Fatalf("ListOnline() error = %v", err)
	}
	for _, u := range online {
		if u.Username == user.Username {
			t.Fatalf("offline user %s listed as online", user.Username)
		}
	}

	if _, _, err := s.Increment(user.ID, user.Username); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	online, err = s.ListOnline()
	if err != nil {
		t.Fatalf("ListOnline() error = %v", err)
	}
	found := false
	for _, u := range online {
		if u.Username == user.Username && u.Connections == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("ListOnline() = %v, want %s with 1 connection", online, user.Username)
	}
}
