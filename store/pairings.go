package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Pairing is one finished agent-vs-opponent evaluation and the rating
// deltas it produced for both sides.
type Pairing struct {
	Agent         string
	Opponent      string
	AgentDelta    int
	OpponentDelta int
}

// Key identifies a pairing; agent and opponent are checkpoint IDs so a new
// round after training never matches an old entry.
func (p Pairing) Key() string { return p.Agent + " " + p.Opponent }

// PairingLog records finished pairings so a restarted worker can skip them
// and carry their deltas forward. It is an append-only file with one
// pairing per line:
//
//	<agent> <opponent> <agent delta> <opponent delta>
//
// A torn final line from a crash is ignored on the next open.
type PairingLog struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	done  map[string]Pairing
	order []string
}

func OpenPairingLog(path string) (*PairingLog, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	done := make(map[string]Pairing)
	var order []string

	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			p, ok := parsePairing(sc.Text())
			if !ok {
				continue
			}
			if _, seen := done[p.Key()]; !seen {
				order = append(order, p.Key())
			}
			done[p.Key()] = p
		}
		_ = f.Close()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &PairingLog{path: path, file: file, done: done, order: order}, nil
}

func parsePairing(line string) (Pairing, bool) {
	f := strings.Fields(line)
	if len(f) != 4 {
		return Pairing{}, false
	}
	a, err1 := strconv.Atoi(f[2])
	b, err2 := strconv.Atoi(f[3])
	if err1 != nil || err2 != nil {
		return Pairing{}, false
	}
	return Pairing{Agent: f[0], Opponent: f[1], AgentDelta: a, OpponentDelta: b}, true
}

func (l *PairingLog) Lookup(agent, opponent string) (Pairing, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.done[Pairing{Agent: agent, Opponent: opponent}.Key()]
	return p, ok
}

// Pairings returns the logged pairings in the order they were first added.
func (l *PairingLog) Pairings() []Pairing {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Pairing, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.done[k])
	}
	return out
}

func (l *PairingLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.done)
}

// Add appends p and syncs. Pairings already present are ignored.
func (l *PairingLog) Add(p Pairing) error {
	if p.Agent == "" || p.Opponent == "" {
		return fmt.Errorf("pairing needs agent and opponent")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.done[p.Key()]; ok {
		return nil
	}
	if l.file == nil {
		return fmt.Errorf("log file is closed")
	}
	line := fmt.Sprintf("%s %s %d %d\n", p.Agent, p.Opponent, p.AgentDelta, p.OpponentDelta)
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	l.done[p.Key()] = p
	l.order = append(l.order, p.Key())
	return nil
}

func (l *PairingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Remove closes and deletes the log once the run it belongs to has
// completed.
func (l *PairingLog) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
