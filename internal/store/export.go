package store

import (
	"context"
	"encoding/json"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

// Export returns all rows, optionally limited to one session.
func (s *SQLiteStore) Export(ctx context.Context, sessionID string) ([]Record, error) {
	if sessionID == "" {
		return s.query(ctx, "export", selectColumns+` ORDER BY created_at, id`)
	}
	return s.query(ctx, "export", selectColumns+` WHERE session_id = ? ORDER BY created_at, id`, sessionID)
}

// Import stores rows from an export. Rows whose id already exists are
// skipped, so importing the same file twice is harmless.
func (s *SQLiteStore) Import(ctx context.Context, records []Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("import", err)
	}
	defer tx.Rollback()

	var added []Record
	for _, r := range records {
		if err := validateRecord(r); err != nil {
			return 0, err
		}
		content, meta, err := encodeRow(SaveParams{Data: r.Content, Metadata: r.Metadata})
		if err != nil {
			return 0, err
		}
		var expiresAt *string
		if r.ExpiresAt != nil {
			exp := r.ExpiresAt.UTC().Format(timeLayout)
			expiresAt = &exp
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_entries (id, session_id, agent_id, scope, content, metadata, created_at, expires_at, is_durable)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SessionID, string(r.AgentID), r.Scope, content, meta,
			r.CreatedAt.UTC().Format(timeLayout), expiresAt, boolInt(r.Durable))
		if err != nil {
			return 0, storageErr("import", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, r)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("import", err)
	}

	if s.index != nil {
		for _, r := range added {
			if err := s.index.Add(ctx, r); err != nil {
				return len(added), storageErr("index", err)
			}
		}
	}
	return len(added), nil
}

func validateRecord(r Record) error {
	if r.ID == "" {
		return &model.InputError{Field: "id", Reason: "must not be empty"}
	}
	if r.CreatedAt.IsZero() {
		return &model.InputError{Field: "created_at", Reason: "must be set for " + r.ID}
	}
	return validateSave(SaveParams{SessionID: r.SessionID, Scope: r.Scope})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EncodeExport writes records as indented JSON.
func EncodeExport(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// DecodeExport parses the output of EncodeExport.
func DecodeExport(data []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &model.InputError{Field: "export", Reason: err.Error()}
	}
	for i := range records {
		records[i].CreatedAt = records[i].CreatedAt.UTC()
		if records[i].ExpiresAt != nil {
			t := records[i].ExpiresAt.UTC()
			records[i].ExpiresAt = &t
		}
	}
	return records, nil
}
