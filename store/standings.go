package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Standing is one agent's record summed over every match log.
type Standing struct {
	Agent   string
	Games   int64
	Wins    int64
	Losses  int64
	Draws   int64
	Lost    int64
	Delta   int64
	Matches int64
}

// WinRate counts draws as half a win.
func (s Standing) WinRate() float64 {
	if s.Games == 0 {
		return 0
	}
	return (float64(s.Wins) + 0.5*float64(s.Draws)) / float64(s.Games)
}

// OpenMatchDB opens an in-memory DuckDB with a "matches" view over every
// match log under roots.
func OpenMatchDB(roots ...string) (*sql.DB, error) {
	files, err := MatchFiles(roots...)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	// Basic pragmas; ignore errors for compatibility across versions.
	_, _ = db.Exec("PRAGMA threads=4")

	if len(files) == 0 {
		_, err := db.Exec(`CREATE OR REPLACE VIEW matches AS
			SELECT * FROM (
				SELECT
					NULL::VARCHAR AS round,
					NULL::INTEGER AS worker,
					NULL::VARCHAR AS agent,
					NULL::BIGINT AS agent_steps,
					NULL::VARCHAR AS opponent,
					NULL::BIGINT AS opponent_steps,
					NULL::DOUBLE AS agent_elo,
					NULL::DOUBLE AS opponent_elo,
					NULL::INTEGER AS wins,
					NULL::INTEGER AS losses,
					NULL::INTEGER AS draws,
					NULL::INTEGER AS games,
					NULL::INTEGER AS lost_connections,
					NULL::DOUBLE AS avg_reward,
					NULL::DOUBLE AS avg_steps,
					NULL::DOUBLE AS score,
					NULL::INTEGER AS agent_delta,
					NULL::INTEGER AS opponent_delta,
					NULL::BIGINT AS finished_ns
			) WHERE 1=0`)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + escapeSQLString(f) + "'"
	}
	sqlText := `CREATE OR REPLACE VIEW matches AS
		SELECT * FROM read_parquet([` + strings.Join(quoted, ",") + `], union_by_name=true)`
	if _, err := db.Exec(sqlText); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// QueryStandings sums every agent's results from both sides of each match,
// best rating change first. A non-empty round restricts it to one round.
func QueryStandings(ctx context.Context, db *sql.DB, round string) ([]Standing, error) {
	const q = `
		WITH m AS (SELECT * FROM matches WHERE ? = '' OR round = ?),
		sides AS (
			SELECT agent AS id, wins, losses, draws, games, lost_connections AS lost, agent_delta AS delta FROM m
			UNION ALL
			SELECT opponent AS id, losses AS wins, wins AS losses, draws, games, lost_connections AS lost, opponent_delta AS delta FROM m
		)
		SELECT id,
			CAST(SUM(games) AS BIGINT),
			CAST(SUM(wins) AS BIGINT),
			CAST(SUM(losses) AS BIGINT),
			CAST(SUM(draws) AS BIGINT),
			CAST(SUM(lost) AS BIGINT),
			CAST(SUM(delta) AS BIGINT),
			CAST(COUNT(*) AS BIGINT)
		FROM sides
		GROUP BY id
		ORDER BY SUM(delta) DESC, id`
	rows, err := db.QueryContext(ctx, q, round, round)
	if err != nil {
		return nil, fmt.Errorf("query standings: %w", err)
	}
	defer rows.Close()

	var out []Standing
	for rows.Next() {
		var s Standing
		if err := rows.Scan(&s.Agent, &s.Games, &s.Wins, &s.Losses, &s.Draws, &s.Lost, &s.Delta, &s.Matches); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HeadToHead is one agent's record against one opponent.
type HeadToHead struct {
	Agent    string
	Opponent string
	Wins     int64
	Losses   int64
	Games    int64
}

// WinRate is wins over games, draws counting as nothing.
func (h HeadToHead) WinRate() float64 {
	if h.Games == 0 {
		return 0
	}
	return float64(h.Wins) / float64(h.Games)
}

// QueryHeadToHead returns every ordered agent/opponent record, combining the
// matches where each side was the one being evaluated.
func QueryHeadToHead(ctx context.Context, db *sql.DB, round string) ([]HeadToHead, error) {
	const q = `
		WITH m AS (SELECT * FROM matches WHERE ? = '' OR round = ?),
		sides AS (
			SELECT agent AS a, opponent AS b, wins, losses, games FROM m
			UNION ALL
			SELECT opponent AS a, agent AS b, losses AS wins, wins AS losses, games FROM m
		)
		SELECT a, b,
			CAST(SUM(wins) AS BIGINT),
			CAST(SUM(losses) AS BIGINT),
			CAST(SUM(games) AS BIGINT)
		FROM sides
		GROUP BY a, b
		ORDER BY a, b`
	rows, err := db.QueryContext(ctx, q, round, round)
	if err != nil {
		return nil, fmt.Errorf("query head to head: %w", err)
	}
	defer rows.Close()

	var out []HeadToHead
	for rows.Next() {
		var h HeadToHead
		if err := rows.Scan(&h.Agent, &h.Opponent, &h.Wins, &h.Losses, &h.Games); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestRound is the round of the most recently finished match, or "" when
// the log is empty.
func LatestRound(ctx context.Context, db *sql.DB) (string, error) {
	var round sql.NullString
	err := db.QueryRowContext(ctx, `SELECT round FROM matches ORDER BY finished_ns DESC LIMIT 1`).Scan(&round)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest round: %w", err)
	}
	return round.String, nil
}
