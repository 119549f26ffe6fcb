package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// MatchRow is one tournament pairing: the agent's results against one
// opponent over a batch of episodes and the rating deltas they produced.
type MatchRow struct {
	Round         string  `parquet:"round,dict"`
	Worker        int32   `parquet:"worker"`
	Agent         string  `parquet:"agent,dict"`
	AgentSteps    int64   `parquet:"agent_steps"`
	Opponent      string  `parquet:"opponent,dict"`
	OpponentSteps int64   `parquet:"opponent_steps"`
	AgentElo      float64 `parquet:"agent_elo"`
	OpponentElo   float64 `parquet:"opponent_elo"`
	Wins          int32   `parquet:"wins"`
	Losses        int32   `parquet:"losses"`
	Draws         int32   `parquet:"draws"`
	Games         int32   `parquet:"games"`
	Lost          int32   `parquet:"lost_connections"`
	AvgReward     float64 `parquet:"avg_reward"`
	AvgSteps      float64 `parquet:"avg_steps"`
	Score         float64 `parquet:"score"`
	AgentDelta    int32   `parquet:"agent_delta"`
	OpponentDelta int32   `parquet:"opponent_delta"`
	FinishedNs    int64   `parquet:"finished_ns"`
}

// MatchWriter streams MatchRows into outDir/tmp and moves the finished file
// into outDir on Finalize, so readers never observe a partial file.
type MatchWriter struct {
	outDir  string
	tmpPath string
	outPath string

	file   *os.File
	writer *parquet.GenericWriter[MatchRow]
	rows   int
}

func NewMatchWriter(outDir string, worker int) (*MatchWriter, error) {
	if outDir == "" {
		return nil, fmt.Errorf("outDir is required")
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	tmpDir := filepath.Join(absOut, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("matches_w%d_%d.parquet", worker, time.Now().UnixNano())
	tmpPath := filepath.Join(tmpDir, name)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tmp parquet: %w", err)
	}
	w := parquet.NewGenericWriter[MatchRow](f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
	)
	w.SetKeyValueMetadata("schema", "match_row_v1")

	return &MatchWriter{
		outDir:  absOut,
		tmpPath: tmpPath,
		outPath: filepath.Join(absOut, name),
		file:    f,
		writer:  w,
	}, nil
}

func (m *MatchWriter) OutPath() string { return m.outPath }
func (m *MatchWriter) Rows() int       { return m.rows }

func (m *MatchWriter) Write(rows ...MatchRow) error {
	if m.writer == nil {
		return fmt.Errorf("match writer is closed")
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := m.writer.Write(rows); err != nil {
		return err
	}
	m.rows += len(rows)
	return nil
}

// Finalize closes the writer and publishes the file. With no rows written
// the temp file is removed and the returned path is empty.
func (m *MatchWriter) Finalize() (string, int, error) {
	if m.writer == nil && m.file == nil {
		return "", 0, nil
	}
	var closeErr, fileErr error
	if m.writer != nil {
		closeErr = m.writer.Close()
		m.writer = nil
	}
	if m.file != nil {
		_ = m.file.Sync()
		fileErr = m.file.Close()
		m.file = nil
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close parquet writer: %w", closeErr)
	}
	if fileErr != nil {
		return "", 0, fmt.Errorf("close parquet file: %w", fileErr)
	}
	if m.rows == 0 {
		_ = os.Remove(m.tmpPath)
		return "", 0, nil
	}
	if err := os.Rename(m.tmpPath, m.outPath); err != nil {
		return "", 0, fmt.Errorf("rename parquet: %w", err)
	}
	return m.outPath, m.rows, nil
}

// ReadMatches loads every row of one match log file.
func ReadMatches(path string) ([]MatchRow, error) {
	rows, err := parquet.ReadFile[MatchRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// MatchFiles lists the published match logs under the given roots, skipping
// tmp directories.
func MatchFiles(roots ...string) ([]string, error) {
	var files []string
	for _, root := range roots {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "tmp" {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) == ".parquet" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}
