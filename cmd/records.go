package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/airframesio/channel-archiver/cmd/formatters"
)

// Content type constants. Every channel tracks both independently: each has
// its own cursor, chunk set, and consolidated output file.
const (
	ContentPosts   = "posts"
	ContentReplies = "replies"
)

// ContentTypes lists the content types in processing order.
var ContentTypes = []string{ContentPosts, ContentReplies}

// Static errors for wire item validation
var (
	ErrItemMissingID      = errors.New("archive item has no id")
	ErrItemBadTimestamp   = errors.New("archive item has no parseable creation timestamp")
	ErrUnknownContentType = errors.New("unknown content type")
	ErrItemMalformed      = errors.New("archive item is not a JSON object")
)

// PrimaryRecord is one top-level post from the archive. No author or other
// PII fields are carried.
type PrimaryRecord struct {
	ID           string  `json:"id" parquet:"id"`
	Channel      string  `json:"channel" parquet:"channel"`
	Title        string  `json:"title" parquet:"title"`
	Body         string  `json:"body" parquet:"body"`
	Score        int64   `json:"score" parquet:"score"`
	CreatedUTC   int64   `json:"created_utc" parquet:"created_utc"`
	Permalink    string  `json:"permalink" parquet:"permalink"`
	QualityRatio float64 `json:"quality_ratio" parquet:"quality_ratio"`
	ReplyCount   int64   `json:"reply_count" parquet:"reply_count"`
}

// SecondaryRecord is one reply from the archive.
type SecondaryRecord struct {
	ID         string `json:"id" parquet:"id"`
	Channel    string `json:"channel" parquet:"channel"`
	Body       string `json:"body" parquet:"body"`
	Score      int64  `json:"score" parquet:"score"`
	CreatedUTC int64  `json:"created_utc" parquet:"created_utc"`
	Permalink  string `json:"permalink" parquet:"permalink"`
	ParentID   string `json:"parent_id" parquet:"parent_id"`
	RootID     string `json:"root_id" parquet:"root_id"`
}

// CreatedAt implements Timestamped.
func (r PrimaryRecord) CreatedAt() int64 { return r.CreatedUTC }

// CreatedAt implements Timestamped.
func (r SecondaryRecord) CreatedAt() int64 { return r.CreatedUTC }

// Timestamped is satisfied by both record types; the pagination frontier and
// the stale-refresh probe only need the creation timestamp.
type Timestamped interface {
	CreatedAt() int64
}

// wireItem is the tolerant intermediate shape for one element of a page's
// `data` array. Numeric fields arrive as numbers or numeric strings depending
// on the archive backend, so everything numeric goes through json.Number.
type wireItem struct {
	ID           string      `json:"id"`
	Channel      string      `json:"channel"`
	Title        string      `json:"title"`
	Body         string      `json:"body"`
	Score        json.Number `json:"score"`
	CreatedUTC   json.Number `json:"created_utc"`
	Permalink    string      `json:"permalink"`
	QualityRatio json.Number `json:"quality_ratio"`
	ReplyCount   json.Number `json:"reply_count"`
	ParentID     string      `json:"parent_id"`
	RootID       string      `json:"root_id"`
}

func numberToInt64(n json.Number) int64 {
	if n == "" {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	// Some backends serialize integral fields as floats (e.g. 1672531200.0)
	if f, err := n.Float64(); err == nil {
		return int64(f)
	}
	return 0
}

func numberToFloat64(n json.Number) float64 {
	if n == "" {
		return 0
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return 0
}

// parseCreated extracts the creation timestamp, rejecting items without one.
// A record that cannot be placed on the time axis can never satisfy the
// backward-pagination ordering, so it is dropped permanently rather than
// retried.
func parseCreated(n json.Number) (int64, error) {
	if n == "" {
		return 0, ErrItemBadTimestamp
	}
	created := numberToInt64(n)
	if created <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrItemBadTimestamp, strconv.Quote(n.String()))
	}
	return created, nil
}

func decodeWireItem(raw json.RawMessage, channel string) (wireItem, error) {
	var item wireItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return wireItem{}, fmt.Errorf("%w: %w", ErrItemMalformed, err)
	}
	if item.Channel == "" {
		item.Channel = channel
	}
	return item, nil
}

// ParsePrimary validates and coerces one wire item into a PrimaryRecord.
func ParsePrimary(raw json.RawMessage, channel string) (PrimaryRecord, error) {
	item, err := decodeWireItem(raw, channel)
	if err != nil {
		return PrimaryRecord{}, err
	}
	if item.ID == "" {
		return PrimaryRecord{}, ErrItemMissingID
	}
	created, err := parseCreated(item.CreatedUTC)
	if err != nil {
		return PrimaryRecord{}, err
	}

	return PrimaryRecord{
		ID:           item.ID,
		Channel:      item.Channel,
		Title:        item.Title,
		Body:         item.Body,
		Score:        numberToInt64(item.Score),
		CreatedUTC:   created,
		Permalink:    item.Permalink,
		QualityRatio: numberToFloat64(item.QualityRatio),
		ReplyCount:   numberToInt64(item.ReplyCount),
	}, nil
}

// ParseSecondary validates and coerces one wire item into a SecondaryRecord.
func ParseSecondary(raw json.RawMessage, channel string) (SecondaryRecord, error) {
	item, err := decodeWireItem(raw, channel)
	if err != nil {
		return SecondaryRecord{}, err
	}
	if item.ID == "" {
		return SecondaryRecord{}, ErrItemMissingID
	}
	created, err := parseCreated(item.CreatedUTC)
	if err != nil {
		return SecondaryRecord{}, err
	}

	return SecondaryRecord{
		ID:         item.ID,
		Channel:    item.Channel,
		Body:       item.Body,
		Score:      numberToInt64(item.Score),
		CreatedUTC: created,
		Permalink:  item.Permalink,
		ParentID:   item.ParentID,
		RootID:     item.RootID,
	}, nil
}

// ErrCSVFieldCount is returned when a CSV row does not match the binding.
var ErrCSVFieldCount = errors.New("csv row has wrong field count")

// primaryCSVBinding maps PrimaryRecord onto CSV columns. The column order is
// part of the on-disk contract; readers verify it against the header row.
var primaryCSVBinding = formatters.CSVBinding[PrimaryRecord]{
	Header: []string{"id", "channel", "title", "body", "score", "created_utc", "permalink", "quality_ratio", "reply_count"},
	Encode: func(r PrimaryRecord) []string {
		return []string{
			r.ID,
			r.Channel,
			r.Title,
			r.Body,
			strconv.FormatInt(r.Score, 10),
			strconv.FormatInt(r.CreatedUTC, 10),
			r.Permalink,
			strconv.FormatFloat(r.QualityRatio, 'f', -1, 64),
			strconv.FormatInt(r.ReplyCount, 10),
		}
	},
	Decode: func(fields []string) (PrimaryRecord, error) {
		if len(fields) != 9 {
			return PrimaryRecord{}, fmt.Errorf("%w: got %d, want 9", ErrCSVFieldCount, len(fields))
		}
		score, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return PrimaryRecord{}, fmt.Errorf("failed to parse score: %w", err)
		}
		created, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return PrimaryRecord{}, fmt.Errorf("failed to parse created_utc: %w", err)
		}
		ratio, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return PrimaryRecord{}, fmt.Errorf("failed to parse quality_ratio: %w", err)
		}
		replies, err := strconv.ParseInt(fields[8], 10, 64)
		if err != nil {
			return PrimaryRecord{}, fmt.Errorf("failed to parse reply_count: %w", err)
		}
		return PrimaryRecord{
			ID:           fields[0],
			Channel:      fields[1],
			Title:        fields[2],
			Body:         fields[3],
			Score:        score,
			CreatedUTC:   created,
			Permalink:    fields[6],
			QualityRatio: ratio,
			ReplyCount:   replies,
		}, nil
	},
}

// secondaryCSVBinding maps SecondaryRecord onto CSV columns.
var secondaryCSVBinding = formatters.CSVBinding[SecondaryRecord]{
	Header: []string{"id", "channel", "body", "score", "created_utc", "permalink", "parent_id", "root_id"},
	Encode: func(r SecondaryRecord) []string {
		return []string{
			r.ID,
			r.Channel,
			r.Body,
			strconv.FormatInt(r.Score, 10),
			strconv.FormatInt(r.CreatedUTC, 10),
			r.Permalink,
			r.ParentID,
			r.RootID,
		}
	},
	Decode: func(fields []string) (SecondaryRecord, error) {
		if len(fields) != 8 {
			return SecondaryRecord{}, fmt.Errorf("%w: got %d, want 8", ErrCSVFieldCount, len(fields))
		}
		score, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return SecondaryRecord{}, fmt.Errorf("failed to parse score: %w", err)
		}
		created, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return SecondaryRecord{}, fmt.Errorf("failed to parse created_utc: %w", err)
		}
		return SecondaryRecord{
			ID:         fields[0],
			Channel:    fields[1],
			Body:       fields[2],
			Score:      score,
			CreatedUTC: created,
			Permalink:  fields[5],
			ParentID:   fields[6],
			RootID:     fields[7],
		}, nil
	},
}
