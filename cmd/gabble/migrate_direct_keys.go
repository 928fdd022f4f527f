package main

import (
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gabble-im/gabble/pkg/config"
)

type directKeysMigrationOptions struct {
	DatabasePath string
	DryRun       bool
}

type directKeyRecord struct {
	RoomID    int64
	MemberIDs []int64
	Key       string
}

func runMigrate(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migration target (supported: direct-keys)")
	}

	switch args[0] {
	case "direct-keys":
		opts, err := parseDirectKeysMigrationArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runDirectKeysMigration(out, opts)
	default:
		return fmt.Errorf("unknown migration target: %s", args[0])
	}
}

func parseDirectKeysMigrationArgs(cfg *config.Config, args []string) (directKeysMigrationOptions, error) {
	opts := directKeysMigrationOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown migration flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runDirectKeysMigration(out io.Writer, opts directKeysMigrationOptions) error {
	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	records, invalidRoomIDs, err := loadLegacyDirectRooms(dbConn)
	if err != nil {
		return err
	}
	if len(invalidRoomIDs) > 0 {
		sort.Slice(invalidRoomIDs, func(i, j int) bool { return invalidRoomIDs[i] < invalidRoomIDs[j] })
		return fmt.Errorf("direct rooms without exactly two members: %v", invalidRoomIDs)
	}

	if len(records) == 0 {
		if _, err := dbConn.Exec("COMMIT"); err != nil {
			return fmt.Errorf("failed to finish migration transaction: %w", err)
		}
		inTx = false
		fmt.Fprintln(out, "Direct keys migration: already migrated (no direct rooms missing a key).")
		return nil
	}

	conflicts, err := findDirectKeyConflicts(dbConn, records)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("direct key conflicts (room id -> existing room id): %v", conflicts)
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would backfill direct keys for %d rooms.\n", len(records))
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	if err := backfillDirectKeys(dbConn, records); err != nil {
		return err
	}

	if err := validateDirectKeysMigration(dbConn); err != nil {
		return err
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Migration completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Backfilled direct keys for %d rooms.\n", len(records))
	return nil
}

func loadLegacyDirectRooms(dbConn *sql.DB) ([]directKeyRecord, []int64, error) {
	rows, err := dbConn.Query(`
		SELECT r.id, rm.user_id
		FROM rooms r
		JOIN room_members rm ON rm.room_id = r.id
		WHERE r.type = 'DIRECT' AND (r.direct_key IS NULL OR r.direct_key = '')
		ORDER BY r.id, rm.user_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read legacy direct rooms: %w", err)
	}
	defer rows.Close()

	membersByRoom := make(map[int64][]int64)
	order := make([]int64, 0)

	for rows.Next() {
		var roomID, userID int64
		if err := rows.Scan(&roomID, &userID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan legacy direct room: %w", err)
		}
		if _, seen := membersByRoom[roomID]; !seen {
			order = append(order, roomID)
		}
		membersByRoom[roomID] = append(membersByRoom[roomID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed while reading legacy direct rooms: %w", err)
	}

	records := make([]directKeyRecord, 0, len(order))
	invalidRoomIDs := make([]int64, 0)

	for _, roomID := range order {
		members := membersByRoom[roomID]
		if len(members) != 2 || members[0] == members[1] {
			invalidRoomIDs = append(invalidRoomIDs, roomID)
			continue
		}
		records = append(records, directKeyRecord{
			RoomID:    roomID,
			MemberIDs: members,
			Key:       fmt.Sprintf("%d:%d", members[0], members[1]),
		})
	}

	return records, invalidRoomIDs, nil
}

func findDirectKeyConflicts(dbConn *sql.DB, records []directKeyRecord) (map[int64]int64, error) {
	conflicts := make(map[int64]int64)
	claimed := make(map[string]int64)

	for _, record := range records {
		if ownerID, taken := claimed[record.Key]; taken {
			conflicts[record.RoomID] = ownerID
			continue
		}

		var existingID int64
		err := dbConn.QueryRow("SELECT id FROM rooms WHERE direct_key = ?", record.Key).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			claimed[record.Key] = record.RoomID
		case err != nil:
			return nil, fmt.Errorf("failed to check direct key %q: %w", record.Key, err)
		default:
			conflicts[record.RoomID] = existingID
		}
	}

	return conflicts, nil
}

func backfillDirectKeys(dbConn *sql.DB, records []directKeyRecord) error {
	stmt, err := dbConn.Prepare("UPDATE rooms SET direct_key = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare backfill statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.Exec(record.Key, record.RoomID); err != nil {
			return fmt.Errorf("failed to set direct key for room %d: %w", record.RoomID, err)
		}
	}

	return nil
}

func validateDirectKeysMigration(dbConn *sql.DB) error {
	var remaining int
	if err := dbConn.QueryRow(`
		SELECT COUNT(*)
		FROM rooms
		WHERE type = 'DIRECT' AND (direct_key IS NULL OR direct_key = '')
	`).Scan(&remaining); err != nil {
		return fmt.Errorf("failed to validate direct keys: %w", err)
	}
	if remaining != 0 {
		return fmt.Errorf("%d direct rooms still missing a key after migration", remaining)
	}

	var duplicates int
	if err := dbConn.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT direct_key FROM rooms
			WHERE type = 'DIRECT'
			GROUP BY direct_key
			HAVING COUNT(*) > 1
		)
	`).Scan(&duplicates); err != nil {
		return fmt.Errorf("failed to validate direct key uniqueness: %w", err)
	}
	if duplicates != 0 {
		return fmt.Errorf("%d duplicate direct keys after migration", duplicates)
	}

	return nil
}
