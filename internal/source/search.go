package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var ErrEmptyKeyword = errors.New("search keyword must not be empty")

type SearchResult struct {
	Title     string `json:"title"`
	ID        string `json:"id"`
	Thumbnail string `json:"thumbnail"`
}

type ytdlpSearch struct {
	Entries []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"entries"`
}

// Search returns up to the configured number of results for the keyword,
// ordered so that titles most similar to the keyword appear first.
func (y *Ytdlp) Search(ctx context.Context, keyword string) ([]SearchResult, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrEmptyKeyword
	}

	limit := y.config.SearchLimit
	if limit <= 0 {
		limit = 10
	}

	out, err := y.run(ctx, "--flat-playlist", "--dump-single-json", "--no-warnings", "--", fmt.Sprintf("ytsearch%d:%s", limit, keyword))
	if err != nil {
		return nil, err
	}

	var search ytdlpSearch
	if err := json.Unmarshal(out, &search); err != nil {
		return nil, fmt.Errorf("failed to parse yt-dlp search results: %w", err)
	}

	results := make([]SearchResult, 0, len(search.Entries))
	for _, entry := range search.Entries {
		if entry.ID == "" {
			continue
		}
		results = append(results, SearchResult{Title: entry.Title, ID: entry.ID, Thumbnail: Thumbnail(entry.ID)})
	}

	rankBySimilarity(keyword, results)
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func rankBySimilarity(keyword string, results []SearchResult) {
	metric := &metrics.Hamming{CaseSensitive: false}
	similarity := make(map[string]float64, len(results))
	for _, res := range results {
		similarity[res.ID] = strutil.Similarity(res.Title, keyword, metric)
	}

	sort.SliceStable(results, func(i, j int) bool { return similarity[results[i].ID] > similarity[results[j].ID] })
}
