package fetch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// feedEnvelope mirrors the answer-feed endpoint response.
type feedEnvelope struct {
	Data []struct {
		Target struct {
			ID     json.Number `json:"id"`
			Author struct {
				Name string `json:"name"`
			} `json:"author"`
			Content      string `json:"content"`
			Excerpt      string `json:"excerpt"`
			VoteupCount  int    `json:"voteup_count"`
			CommentCount int    `json:"comment_count"`
			CreatedTime  int64  `json:"created_time"`
		} `json:"target"`
	} `json:"data"`
	Paging struct {
		IsEnd  bool   `json:"is_end"`
		Next   string `json:"next"`
		Totals int    `json:"totals"`
	} `json:"paging"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

// FeedParser decodes answer-feed pages into items.
type FeedParser struct{}

// Parse implements crawl.PageParser for the answer feed.
func (FeedParser) Parse(payload []byte) (crawl.Page, error) {
	var env feedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return crawl.Page{}, fmt.Errorf("decode feed page: %w", err)
	}

	page := crawl.Page{
		NextCursor:    env.Paging.Next,
		IsEnd:         env.Paging.IsEnd,
		CorrelationID: env.Session.ID,
		ExpectedTotal: env.Paging.Totals,
	}
	for _, entry := range env.Data {
		content := entry.Target.Content
		if content == "" {
			content = entry.Target.Excerpt
		}
		page.Items = append(page.Items, crawl.Item{
			ID:           entry.Target.ID.String(),
			Author:       entry.Target.Author.Name,
			Content:      content,
			VoteCount:    entry.Target.VoteupCount,
			CommentCount: entry.Target.CommentCount,
			CreatedAt:    time.Unix(entry.Target.CreatedTime, 0).UTC(),
		})
	}
	return page, nil
}

// searchEnvelope mirrors the keyword-search endpoint response.
type searchEnvelope struct {
	Data []struct {
		Type   string `json:"type"`
		Object struct {
			ID          json.Number `json:"id"`
			Title       string      `json:"title"`
			AnswerCount int         `json:"answer_count"`
		} `json:"object"`
	} `json:"data"`
	Paging struct {
		IsEnd  bool   `json:"is_end"`
		Next   string `json:"next"`
		Totals int    `json:"totals"`
	} `json:"paging"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

// SearchParser decodes keyword-search pages into crawl targets.
type SearchParser struct{}

// Parse implements crawl.PageParser for keyword search.
func (SearchParser) Parse(payload []byte) (crawl.Page, error) {
	var env searchEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return crawl.Page{}, fmt.Errorf("decode search page: %w", err)
	}

	page := crawl.Page{
		NextCursor:    env.Paging.Next,
		IsEnd:         env.Paging.IsEnd,
		CorrelationID: env.Session.ID,
		ExpectedTotal: env.Paging.Totals,
	}
	for _, entry := range env.Data {
		// search results mix content types; only question hits become targets
		if entry.Type != "" && entry.Type != "search_result" && entry.Type != "question" {
			continue
		}
		id := entry.Object.ID.String()
		if id == "" {
			continue
		}
		page.Targets = append(page.Targets, crawl.Target{
			ID:            id,
			Title:         entry.Object.Title,
			ExpectedItems: entry.Object.AnswerCount,
		})
	}
	return page, nil
}
