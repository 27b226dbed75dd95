package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/core/ports"
)

// ResyncFromRemote inserts a synthetic uploaded record for every remote document
// that has no local record with the same title (case-insensitive) or document id.
// Title matching is a heuristic: near-duplicate titles are not recognized.
func (s *Store) ResyncFromRemote(ctx context.Context, lister ports.RemoteLister) (int, error) {
	if lister == nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "resync from remote", errors.New("nil lister"))
	}

	query := s.rebind(`
INSERT INTO processed_files (hash, document_id, title, filenames, status, error, superseded_by, lease_owner, first_seen_at, updated_at)
SELECT CAST(? AS TEXT), CAST(? AS BIGINT), CAST(? AS TEXT), CAST(? AS TEXT), 'uploaded', '', '', '', CAST(? AS BIGINT), CAST(? AS BIGINT)
WHERE NOT EXISTS (
	SELECT 1 FROM processed_files
	WHERE lower(title) = lower(CAST(? AS TEXT)) OR document_id = CAST(? AS BIGINT)
)
ON CONFLICT (hash) DO NOTHING
`)

	inserted := 0
	err := lister.ListDocuments(ctx, func(doc domain.RemoteDocument) error {
		title := strings.TrimSpace(doc.Title)
		if title == "" || doc.ID <= 0 {
			return nil
		}
		filenames := []string{}
		if doc.OriginalFileName != "" {
			filenames = append(filenames, doc.OriginalFileName)
		}
		encoded, err := json.Marshal(filenames)
		if err != nil {
			return domain.WrapError(domain.ErrStorage, "encode filenames", err)
		}

		now := s.now().UnixMilli()
		res, err := s.db.ExecContext(ctx, query,
			domain.RemoteKey(doc.ID), int64(doc.ID), title, string(encoded), now, now,
			title, int64(doc.ID),
		)
		if err != nil {
			return domain.WrapError(domain.ErrStorage, "insert remote record", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			inserted++
		}
		return nil
	})
	if err != nil {
		return inserted, fmt.Errorf("resync from remote: %w", err)
	}
	return inserted, nil
}

// FindRemoteByTitle returns live synthetic records whose title matches case-insensitively.
func (s *Store) FindRemoteByTitle(ctx context.Context, title string) ([]domain.ProcessedRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+recordColumns+`
FROM processed_files
WHERE hash LIKE ? AND superseded_by = '' AND lower(title) = lower(?)
ORDER BY hash
`), domain.RemoteKeyPrefix+"%", strings.TrimSpace(title))
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "find remote by title", err)
	}
	defer rows.Close()

	out := make([]domain.ProcessedRecord, 0, 1)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStorage, "scan remote record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "find remote by title", err)
	}
	return out, nil
}

// AdoptRemote links a local record to the DMS document behind a synthetic record
// and marks that synthetic record as superseded, in one transaction.
func (s *Store) AdoptRemote(ctx context.Context, hash, remoteKey string) (domain.ProcessedRecord, error) {
	if !domain.IsRemoteKey(remoteKey) {
		return domain.ProcessedRecord{}, domain.WrapError(domain.ErrInvalidInput, "adopt remote", fmt.Errorf("%q is not a remote key", remoteKey))
	}

	var adopted domain.ProcessedRecord
	err := s.withTx(ctx, "adopt remote", func(tx *sql.Tx) error {
		remote, err := s.getRecord(ctx, tx, remoteKey, true)
		if err != nil {
			return err
		}
		if remote.SupersededBy != "" {
			return domain.WrapError(domain.ErrConflict, "adopt remote", fmt.Errorf("%s already adopted by %s", remoteKey, remote.SupersededBy))
		}
		if remote.DocumentID == nil {
			return domain.WrapError(domain.ErrInvalidInput, "adopt remote", fmt.Errorf("%s has no document id", remoteKey))
		}

		now := s.now().UnixMilli()
		res, err := tx.ExecContext(ctx, s.rebind(`
UPDATE processed_files
SET status = CASE WHEN status = 'tagged' THEN 'tagged' ELSE 'uploaded' END,
	document_id = ?, title = ?, error = '', updated_at = ?
WHERE hash = ?
`), int64(*remote.DocumentID), remote.Title, now, hash)
		if err := s.expectOneRow(res, err, "adopt remote", hash); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
UPDATE processed_files SET superseded_by = ?, updated_at = ? WHERE hash = ?
`), hash, now, remoteKey); err != nil {
			return domain.WrapError(domain.ErrStorage, "supersede remote record", err)
		}

		adopted, err = s.getRecord(ctx, tx, hash, false)
		return err
	})
	if err != nil {
		return domain.ProcessedRecord{}, err
	}
	return adopted, nil
}
