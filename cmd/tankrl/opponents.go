package main

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brensch/tankrl/env"
	"github.com/brensch/tankrl/rating"
	"github.com/brensch/tankrl/store"
)

// parseOpponents reads "path[@rating]" entries.
func parseOpponents(list string) ([]env.OpponentSpec, error) {
	var out []env.OpponentSpec
	for _, item := range splitList(list) {
		spec := env.OpponentSpec{Path: item, Rating: rating.DefaultRating}
		if path, r, ok := strings.Cut(item, "@"); ok {
			v, err := strconv.ParseFloat(r, 64)
			if err != nil {
				return nil, fmt.Errorf("opponent %q: bad rating: %w", item, err)
			}
			spec.Path, spec.Rating = path, v
		}
		out = append(out, spec)
	}
	return out, nil
}

// populationOpponents lists the latest checkpoint of every competitor in the
// population file except the one at skip. Each is rated by the truncated
// mean of its last avgLen ratings.
func populationOpponents(modelDir, popPath, skip string, avgLen int) ([]env.Candidate, error) {
	if popPath == "" {
		popPath = filepath.Join(modelDir, "population.txt")
	}
	ids, err := store.LoadPopulation(popPath)
	if err != nil {
		return nil, err
	}
	competitors, _ := store.SplitExploiters(ids)
	dir := store.Dir{Root: modelDir}
	var out []env.Candidate
	for _, id := range competitors {
		path, s, err := dir.LatestCheckpoint(id)
		if err != nil {
			return nil, err
		}
		if skip != "" && filepath.Clean(path) == filepath.Clean(skip) {
			continue
		}
		out = append(out, env.Candidate{ID: id, Path: path, Rating: math.Trunc(s.Elo.Average(avgLen))})
	}
	return out, nil
}
