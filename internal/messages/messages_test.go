package messages

import (
	"database/sql"
	"fmt"
	"testing"

	appdb "github.com/gabble-im/gabble/internal/db"
	"github.com/gabble-im/gabble/pkg/apperr"
)

func setupLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()

	database, err := appdb.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conn := database.GetConn()
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (1, 'a@x.io', 'alice', 'Alice', 'hash')")
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (2, 'b@x.io', 'bob', 'Bob', 'hash')")
	conn.Exec("INSERT INTO rooms (id, type, direct_key, created_by) VALUES (10, 'DIRECT', '1:2', 1)")
	conn.Exec("INSERT INTO room_members (room_id, user_id, role) VALUES (10, 1, 'OWNER'), (10, 2, 'MEMBER')")

	return NewLog(conn), conn
}

func TestAppendReturnsPersistedRecord(t *testing.T) {
	log, conn := setupLog(t)

	msg, err := log.Append(10, 1, "  hello  ", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if msg.ID == 0 {
		t.Error("Append did not assign an id")
	}
	if msg.Content != "hello" {
		t.Errorf("Expected trimmed content 'hello', got %q", msg.Content)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Append did not assign a store timestamp")
	}
	if msg.Sender.ID != 1 || msg.Sender.DisplayName != "Alice" {
		t.Errorf("Sender profile wrong: %+v", msg.Sender)
	}

	var stored string
	conn.QueryRow("SELECT content FROM messages WHERE id = ?", msg.ID).Scan(&stored)
	if stored != "hello" {
		t.Errorf("Stored content %q does not match returned record", stored)
	}
}

func TestAppendRejectsBlankContent(t *testing.T) {
	log, conn := setupLog(t)

	for _, content := range []string{"", "   ", "\t\n"} {
		_, err := log.Append(10, 1, content, nil)
		if err == nil {
			t.Errorf("Append(%q) succeeded", content)
			continue
		}
		if !IsBlankContent(err) {
			t.Errorf("Append(%q): expected blank-content error, got %v", content, err)
		}
		if apperr.CodeOf(err) != apperr.CodeInvalidArgument {
			t.Errorf("Append(%q): expected INVALID_ARGUMENT, got %v", content, apperr.CodeOf(err))
		}
	}

	var count int
	conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	if count != 0 {
		t.Errorf("Blank appends reached the store: %d rows", count)
	}
}

func TestAppendWithReply(t *testing.T) {
	log, _ := setupLog(t)

	parent, err := log.Append(10, 1, "parent", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	child, err := log.Append(10, 2, "child", &parent.ID)
	if err != nil {
		t.Fatalf("Append with reply failed: %v", err)
	}
	if child.ReplyToID == nil || *child.ReplyToID != parent.ID {
		t.Errorf("Expected reply_to_id %d, got %v", parent.ID, child.ReplyToID)
	}
}

func TestAppendOrderIsMonotone(t *testing.T) {
	log, _ := setupLog(t)

	var lastID int64
	for i := 0; i < 10; i++ {
		msg, err := log.Append(10, 1, fmt.Sprintf("m%d", i), nil)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if msg.ID <= lastID {
			t.Errorf("Append %d: id %d not increasing past %d", i, msg.ID, lastID)
		}
		lastID = msg.ID
	}
}

func TestPageBackward(t *testing.T) {
	log, _ := setupLog(t)

	const total = 7
	for i := 1; i <= total; i++ {
		if _, err := log.Append(10, 1, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	// First page: newest first.
	page, cursor, err := log.PageBackward(10, 3, nil)
	if err != nil {
		t.Fatalf("PageBackward failed: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(page))
	}
	if page[0].Content != "m7" || page[2].Content != "m5" {
		t.Errorf("First page wrong: %s .. %s", page[0].Content, page[2].Content)
	}
	if cursor == nil {
		t.Fatal("Full page returned no cursor")
	}

	// Walking the cursor chain covers the whole history exactly once.
	seen := []string{page[0].Content, page[1].Content, page[2].Content}
	for cursor != nil {
		page, cursor, err = log.PageBackward(10, 3, cursor)
		if err != nil {
			t.Fatalf("PageBackward failed: %v", err)
		}
		for _, m := range page {
			seen = append(seen, m.Content)
		}
	}

	if len(seen) != total {
		t.Fatalf("Cursor walk saw %d messages, want %d", len(seen), total)
	}
	for i, content := range seen {
		want := fmt.Sprintf("m%d", total-i)
		if content != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, content)
		}
	}
}

func TestPageBackwardShortFinalPage(t *testing.T) {
	log, _ := setupLog(t)

	for i := 0; i < 3; i++ {
		if _, err := log.Append(10, 1, "m", nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	page, cursor, err := log.PageBackward(10, 5, nil)
	if err != nil {
		t.Fatalf("PageBackward failed: %v", err)
	}
	if len(page) != 3 {
		t.Errorf("Expected 3 messages, got %d", len(page))
	}
	if cursor != nil {
		t.Error("Short page still returned a cursor")
	}
}

func TestPageBackwardLimits(t *testing.T) {
	log, _ := setupLog(t)

	for i := 0; i < MaxPageSize+10; i++ {
		if _, err := log.Append(10, 1, "m", nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Zero and negative limits fall back to the default.
	page, _, err := log.PageBackward(10, 0, nil)
	if err != nil {
		t.Fatalf("PageBackward failed: %v", err)
	}
	if len(page) != 30 {
		t.Errorf("Default limit: expected 30, got %d", len(page))
	}

	// Oversized limits clamp.
	page, _, err = log.PageBackward(10, MaxPageSize+50, nil)
	if err != nil {
		t.Fatalf("PageBackward failed: %v", err)
	}
	if len(page) != MaxPageSize {
		t.Errorf("Clamped limit: expected %d, got %d", MaxPageSize, len(page))
	}
}

func TestPageBackwardUnknownCursor(t *testing.T) {
	log, conn := setupLog(t)

	if _, err := log.Append(10, 1, "here", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	bogus := int64(9999)
	if _, _, err := log.PageBackward(10, 10, &bogus); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("Unknown cursor: expected INVALID_ARGUMENT, got %v", err)
	}

	// A cursor from a different room is just as unknown.
	conn.Exec("INSERT INTO rooms (id, type, name, created_by) VALUES (11, 'GROUP', 'other', 1)")
	other, err := log.Append(11, 1, "elsewhere", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, _, err := log.PageBackward(10, 10, &other.ID); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("Foreign cursor: expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestPageBackwardIncludesDeleted(t *testing.T) {
	log, _ := setupLog(t)

	kept, err := log.Append(10, 1, "kept", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	gone, err := log.Append(10, 1, "gone", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := log.SoftDelete(gone.ID, 1); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	// Deleted rows stay in the page with deleted_at set so replies keep
	// their anchor.
	page, _, err := log.PageBackward(10, 10, nil)
	if err != nil {
		t.Fatalf("PageBackward failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(page))
	}
	if page[0].ID != gone.ID || page[0].DeletedAt == nil {
		t.Error("Deleted message missing or not flagged")
	}
	if page[1].ID != kept.ID || page[1].DeletedAt != nil {
		t.Error("Live message missing or wrongly flagged")
	}
}

func TestSoftDelete(t *testing.T) {
	log, conn := setupLog(t)

	msg, err := log.Append(10, 1, "oops", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := log.SoftDelete(msg.ID, 1); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}

	var deleted sql.NullString
	conn.QueryRow("SELECT deleted_at FROM messages WHERE id = ?", msg.ID).Scan(&deleted)
	if !deleted.Valid {
		t.Error("deleted_at was not set")
	}

	// Deleting again is a no-op, not an error.
	if err := log.SoftDelete(msg.ID, 1); err != nil {
		t.Errorf("Second SoftDelete failed: %v", err)
	}
}

func TestSoftDeleteAuthorization(t *testing.T) {
	log, _ := setupLog(t)

	msg, err := log.Append(10, 1, "mine", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := log.SoftDelete(msg.ID, 2); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Errorf("Foreign delete: expected FORBIDDEN, got %v", err)
	}
	if err := log.SoftDelete(9999, 1); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("Missing message: expected NOT_FOUND, got %v", err)
	}
}
