package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Hibiki/internal/blockchain"
)

// BlockLog is the local ledger of blocks this miner submitted successfully.
// The engine never reads it on the mining path; it exists for operators
// (status command, monitoring API).
type BlockLog struct {
	db     *sql.DB
	logger *zap.Logger
}

// MinedBlock is one ledger row.
type MinedBlock struct {
	Height     uint64
	Nonce      uint64
	Hash       string
	Address    string
	Difficulty uint64
	MinedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS mined_blocks (
	height     INTEGER NOT NULL,
	nonce      INTEGER NOT NULL,
	hash       TEXT    NOT NULL,
	address    TEXT    NOT NULL,
	difficulty INTEGER NOT NULL,
	mined_at   INTEGER NOT NULL,
	PRIMARY KEY (height, hash)
);
CREATE INDEX IF NOT EXISTS idx_mined_blocks_mined_at ON mined_blocks (mined_at DESC);
`

// OpenBlockLog opens (and if needed initializes) the ledger at path.
func OpenBlockLog(path string, logger *zap.Logger) (*BlockLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open block log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize block log schema: %w", err)
	}

	return &BlockLog{db: db, logger: logger.Named("blocklog")}, nil
}

// RecordBlock appends a submitted block to the ledger.
func (l *BlockLog) RecordBlock(ctx context.Context, block *blockchain.Block, address string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mined_blocks (height, nonce, hash, address, difficulty, mined_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		block.Height,
		int64(block.Nonce),
		hex.EncodeToString(block.Hash[:]),
		address,
		block.Difficulty,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record block %d: %w", block.Height, err)
	}

	l.logger.Debug("block recorded",
		zap.Uint64("height", block.Height),
		zap.Uint64("nonce", block.Nonce),
	)
	return nil
}

// RecentBlocks returns up to limit rows, newest first.
func (l *BlockLog) RecentBlocks(ctx context.Context, limit int) ([]MinedBlock, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT height, nonce, hash, address, difficulty, mined_at
		 FROM mined_blocks ORDER BY mined_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query block log: %w", err)
	}
	defer rows.Close()

	var out []MinedBlock
	for rows.Next() {
		var (
			b     MinedBlock
			nonce int64
			ts    int64
		)
		if err := rows.Scan(&b.Height, &nonce, &b.Hash, &b.Address, &b.Difficulty, &ts); err != nil {
			return nil, err
		}
		b.Nonce = uint64(nonce)
		b.MinedAt = time.Unix(ts, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the total number of recorded blocks.
func (l *BlockLog) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mined_blocks`).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (l *BlockLog) Close() error {
	return l.db.Close()
}
