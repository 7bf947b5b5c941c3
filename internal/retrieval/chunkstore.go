package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Chunk is one embedded textbook fragment. Seq records insertion order within
// an owner so equal-scoring chunks rank deterministically.
type Chunk struct {
	ID        string
	OwnerID   string
	Seq       int
	Text      string
	Embedding []float32
	Page      int
	CreatedAt time.Time
}

// SQLiteChunkStore persists textbook chunks with their embeddings as
// little-endian float32 BLOBs. Search is brute force over a single owner's
// chunks; a class textbook stays small enough that no ANN index is needed.
type SQLiteChunkStore struct {
	db *sql.DB
}

// NewSQLiteChunkStore wraps an existing *sql.DB. The textbook_chunks table
// must already exist (created via migrations).
func NewSQLiteChunkStore(db *sql.DB) *SQLiteChunkStore {
	return &SQLiteChunkStore{db: db}
}

// DeleteForOwner removes every chunk belonging to the owner. Called before
// re-ingesting a textbook so stale material never mixes with the new upload.
func (s *SQLiteChunkStore) DeleteForOwner(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM textbook_chunks WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", ownerID, err)
	}
	return nil
}

// Insert adds chunks in one transaction.
func (s *SQLiteChunkStore) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO textbook_chunks (id, owner_id, seq, chunk_text, embedding, page, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		blob := encodeFloat32s(c.Embedding)
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, c.OwnerID, c.Seq, c.Text, blob, c.Page, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ListByOwner returns the owner's chunks in insertion order.
func (s *SQLiteChunkStore) ListByOwner(ctx context.Context, ownerID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, seq, chunk_text, embedding, page, created_at
		FROM textbook_chunks WHERE owner_id = ? ORDER BY seq ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Seq, &c.Text, &blob, &c.Page, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Count returns the number of chunks stored for the owner.
func (s *SQLiteChunkStore) Count(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM textbook_chunks WHERE owner_id = ?`, ownerID,
	).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
