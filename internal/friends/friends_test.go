package friends

import (
	"database/sql"
	"testing"

	appdb "github.com/gabble-im/gabble/internal/db"
	"github.com/gabble-im/gabble/internal/models"
	"github.com/gabble-im/gabble/pkg/apperr"
)

func setupService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()

	database, err := appdb.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conn := database.GetConn()
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (1, 'a@x.io', 'alice', 'Alice', 'hash')")
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (2, 'b@x.io', 'bob', 'Bob', 'hash')")
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (3, 'c@x.io', 'carol', 'Carol', 'hash')")

	return New(conn), conn
}

func TestRequestCreatesPendingRow(t *testing.T) {
	s, conn := setupService(t)

	res, err := s.Request(2, "alice")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if res.Status != models.FriendPending {
		t.Errorf("Expected PENDING, got %s", res.Status)
	}
	if res.Direction != DirectionOutgoing {
		t.Errorf("Expected OUTGOING, got %s", res.Direction)
	}

	// The row is stored canonically regardless of who initiated.
	var aID, bID, requestedBy int64
	err = conn.QueryRow("SELECT a_id, b_id, requested_by FROM friends").Scan(&aID, &bID, &requestedBy)
	if err != nil {
		t.Fatalf("Failed to read friend row: %v", err)
	}
	if aID != 1 || bID != 2 {
		t.Errorf("Expected canonical pair (1,2), got (%d,%d)", aID, bID)
	}
	if requestedBy != 2 {
		t.Errorf("Expected requested_by 2, got %d", requestedBy)
	}
}

func TestRequestIsIdempotentAcrossDirections(t *testing.T) {
	s, conn := setupService(t)

	if _, err := s.Request(1, "bob"); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	// Repeating from the initiator reports the outgoing pending state.
	res, err := s.Request(1, "bob")
	if err != nil {
		t.Fatalf("Repeat request failed: %v", err)
	}
	if res.Status != models.FriendPending || res.Direction != DirectionOutgoing {
		t.Errorf("Expected PENDING/OUTGOING, got %s/%s", res.Status, res.Direction)
	}

	// The counterpart's request maps to the same row, seen as incoming.
	res, err = s.Request(2, "alice")
	if err != nil {
		t.Fatalf("Counter request failed: %v", err)
	}
	if res.Status != models.FriendPending || res.Direction != DirectionIncoming {
		t.Errorf("Expected PENDING/INCOMING, got %s/%s", res.Status, res.Direction)
	}

	var count int
	conn.QueryRow("SELECT COUNT(*) FROM friends").Scan(&count)
	if count != 1 {
		t.Errorf("Expected a single row for the pair, got %d", count)
	}
}

func TestRequestValidation(t *testing.T) {
	s, _ := setupService(t)

	if _, err := s.Request(1, "alice"); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("Self request: expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := s.Request(1, ""); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("Empty username: expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := s.Request(1, "nobody"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("Unknown username: expected NOT_FOUND, got %v", err)
	}
}

func TestAcceptOnlyReceiver(t *testing.T) {
	s, _ := setupService(t)

	if _, err := s.Request(1, "bob"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	// The initiator cannot accept their own request.
	if _, err := s.Accept(1, "bob"); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("Initiator accept: expected INVALID_ARGUMENT, got %v", err)
	}

	res, err := s.Accept(2, "alice")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if res.Status != models.FriendAccepted {
		t.Errorf("Expected ACCEPTED, got %s", res.Status)
	}

	// Accepting again stays ACCEPTED.
	res, err = s.Accept(2, "alice")
	if err != nil {
		t.Fatalf("Repeat accept failed: %v", err)
	}
	if res.Status != models.FriendAccepted {
		t.Errorf("Expected ACCEPTED, got %s", res.Status)
	}
}

func TestAcceptWithoutRequest(t *testing.T) {
	s, _ := setupService(t)

	if _, err := s.Accept(1, "bob"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestDeclineAndCancel(t *testing.T) {
	s, conn := setupService(t)

	if _, err := s.Request(1, "bob"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	// Receiver declines.
	res, err := s.Decline(2, "alice")
	if err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if res.Status != "DECLINED" {
		t.Errorf("Expected DECLINED, got %s", res.Status)
	}

	var count int
	conn.QueryRow("SELECT COUNT(*) FROM friends").Scan(&count)
	if count != 0 {
		t.Errorf("Declined row was not removed")
	}

	// Initiator withdraws.
	if _, err := s.Request(1, "bob"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	res, err = s.Decline(1, "bob")
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if res.Status != "CANCELED" {
		t.Errorf("Expected CANCELED, got %s", res.Status)
	}

	// A declined pair can start over.
	res, err = s.Request(2, "alice")
	if err != nil {
		t.Fatalf("Fresh request failed: %v", err)
	}
	if res.Status != models.FriendPending || res.Direction != DirectionOutgoing {
		t.Errorf("Expected PENDING/OUTGOING, got %s/%s", res.Status, res.Direction)
	}
}

func TestDeclineAcceptedPair(t *testing.T) {
	s, _ := setupService(t)

	s.Request(1, "bob")
	s.Accept(2, "alice")

	if _, err := s.Decline(1, "bob"); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
		t.Errorf("Expected INVALID_ARGUMENT for accepted pair, got %v", err)
	}
}

func TestBlockedPairRefusesEverything(t *testing.T) {
	s, conn := setupService(t)

	conn.Exec("INSERT INTO friends (a_id, b_id, status, requested_by) VALUES (1, 2, 'BLOCKED', 1)")

	if _, err := s.Request(2, "alice"); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Errorf("Request to blocked pair: expected FORBIDDEN, got %v", err)
	}
	if _, err := s.Accept(2, "alice"); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Errorf("Accept on blocked pair: expected FORBIDDEN, got %v", err)
	}
	if _, err := s.Decline(2, "alice"); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Errorf("Decline on blocked pair: expected FORBIDDEN, got %v", err)
	}
}

func TestList(t *testing.T) {
	s, conn := setupService(t)

	s.Request(1, "bob")   // outgoing for alice
	s.Request(3, "alice") // incoming for alice
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (4, 'd@x.io', 'dave', 'Dave', 'hash')")
	s.Request(1, "dave")
	s.Accept(4, "alice") // accepted

	list, err := s.List(1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(list.Accepted) != 1 || list.Accepted[0].Username != "dave" {
		t.Errorf("Accepted bucket wrong: %+v", list.Accepted)
	}
	if len(list.PendingOutgoing) != 1 || list.PendingOutgoing[0].Username != "bob" {
		t.Errorf("Outgoing bucket wrong: %+v", list.PendingOutgoing)
	}
	if len(list.PendingIncoming) != 1 || list.PendingIncoming[0].Username != "carol" {
		t.Errorf("Incoming bucket wrong: %+v", list.PendingIncoming)
	}

	// Other users see their own sides.
	bobList, err := s.List(2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(bobList.PendingIncoming) != 1 || bobList.PendingIncoming[0].Username != "alice" {
		t.Errorf("Bob's incoming bucket wrong: %+v", bobList.PendingIncoming)
	}
}

func TestListOmitsBlocked(t *testing.T) {
	s, conn := setupService(t)

	conn.Exec("INSERT INTO friends (a_id, b_id, status, requested_by) VALUES (1, 2, 'BLOCKED', 1)")

	list, err := s.List(1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list.Accepted)+len(list.PendingIncoming)+len(list.PendingOutgoing) != 0 {
		t.Errorf("Blocked relation leaked into listing: %+v", list)
	}
}

func TestRelationsTo(t *testing.T) {
	s, conn := setupService(t)

	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (4, 'd@x.io', 'dave', 'Dave', 'hash')")
	conn.Exec("INSERT INTO users (id, email, username, display_name, password_hash) VALUES (5, 'e@x.io', 'eve', 'Eve', 'hash')")

	s.Request(1, "bob")   // PENDING_OUT for alice
	s.Request(3, "alice") // PENDING_IN for alice
	s.Request(1, "dave")
	s.Accept(4, "alice") // ACCEPTED

	relations, err := s.RelationsTo(1, []int64{2, 3, 4, 5})
	if err != nil {
		t.Fatalf("RelationsTo failed: %v", err)
	}

	want := map[int64]string{
		2: RelationPendingOut,
		3: RelationPendingIn,
		4: RelationAccepted,
		5: RelationNone,
	}
	for id, expected := range want {
		if relations[id] != expected {
			t.Errorf("Relation to %d: expected %s, got %s", id, expected, relations[id])
		}
	}

	// Empty input returns an empty map, not an error.
	relations, err = s.RelationsTo(1, nil)
	if err != nil {
		t.Fatalf("RelationsTo(nil) failed: %v", err)
	}
	if len(relations) != 0 {
		t.Errorf("Expected empty map, got %+v", relations)
	}
}
