// Package export writes an anonymized copy of the stored entries for
// research use. Users are replaced by salted pseudonyms and free-text
// answers never leave the store.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
)

// Format selects the output encoding.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Errors returned by Export.
var (
	ErrUnknownFormat = errors.New("unknown export format")
	ErrMissingSalt   = errors.New("export salt is required")
)

const pseudonymLen = 16

// Options controls an export.
type Options struct {
	Format Format
	Salt   string
	// Since keeps entries dated on or after this date.
	Since model.Date
	// Catalog decides which answers are free text. Defaults to catalog.New().
	Catalog *catalog.Catalog
	// Now stamps the JSON document. Defaults to time.Now.
	Now func() time.Time
}

// Record is one exported entry.
type Record struct {
	User           string                  `json:"user"`
	EntryType      model.EntryType         `json:"entry_type"`
	EntryDate      model.Date              `json:"entry_date"`
	Seq            int64                   `json:"seq"`
	QualityPassed  bool                    `json:"quality_passed"`
	QualityReasons []model.Reason          `json:"quality_reasons"`
	ScoreValue     *float64                `json:"score_value"`
	ScoreLevel     model.Level             `json:"score_level,omitempty"`
	InBaseline     bool                    `json:"in_baseline"`
	WordCount      int                     `json:"word_count,omitempty"`
	Answers        map[string]model.Answer `json:"answers,omitempty"`
}

// BaselineSummary is the last known baseline of one pseudonym.
type BaselineSummary struct {
	User      string               `json:"user"`
	Status    model.BaselineStatus `json:"status"`
	Points    int                  `json:"points"`
	Baseline  float64              `json:"baseline_value"`
	Recent    float64              `json:"recent_value"`
	Deviation float64              `json:"deviation"`
	DriftFlag bool                 `json:"drift_flag"`
}

// Document is the JSON form of an export.
type Document struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Since       *model.Date       `json:"since,omitempty"`
	Users       int               `json:"users"`
	Records     []Record          `json:"records"`
	Baselines   []BaselineSummary `json:"baselines"`
}

// Stats counts what an export wrote.
type Stats struct {
	Users   int
	Records int
}

// Pseudonym returns the first 16 hex characters of sha256(userID ":" salt).
func Pseudonym(userID, salt string) string {
	sum := sha256.Sum256([]byte(userID + ":" + salt))
	return hex.EncodeToString(sum[:])[:pseudonymLen]
}

// Export reads every user's entries from store and writes them to w.
func Export(ctx context.Context, store repository.Store, w io.Writer, opts Options) (Stats, error) {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.Format != FormatJSON && opts.Format != FormatCSV {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
	if strings.TrimSpace(opts.Salt) == "" {
		return Stats{}, ErrMissingSalt
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	records, baselines, err := collect(ctx, store, opts)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Users: len(baselines), Records: len(records)}

	if opts.Format == FormatCSV {
		err = writeCSV(w, records)
	} else {
		doc := Document{
			GeneratedAt: opts.Now().UTC(),
			Users:       stats.Users,
			Records:     records,
			Baselines:   baselines,
		}
		if !opts.Since.IsZero() {
			doc.Since = &opts.Since
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(doc)
	}
	if err != nil {
		return stats, fmt.Errorf("write %s export: %w", opts.Format, err)
	}

	logger.Get().Info(ctx, "export written",
		logger.String("format", string(opts.Format)),
		logger.Int("users", stats.Users),
		logger.Int("records", stats.Records),
	)
	return stats, nil
}

func collect(ctx context.Context, store repository.Store, opts Options) ([]Record, []BaselineSummary, error) {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list users: %w", err)
	}

	records := []Record{}
	baselines := make([]BaselineSummary, 0, len(users))
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		pseudo := Pseudonym(userID, opts.Salt)

		recs, err := store.ListEntries(ctx, userID, repository.Filter{Since: opts.Since})
		if err != nil {
			return nil, nil, fmt.Errorf("list entries: %w", err)
		}
		for _, rec := range recs {
			records = append(records, convert(opts.Catalog, pseudo, rec))
		}

		sum := BaselineSummary{User: pseudo, Status: model.StatusInsufficientHistory}
		st, err := store.GetBaseline(ctx, userID)
		switch {
		case err == nil:
			sum.Status = st.Status
			sum.Points = len(st.Window)
			sum.Baseline = st.Baseline
			sum.Recent = st.Recent
			sum.Deviation = st.Deviation
			sum.DriftFlag = st.DriftFlag
		case errors.Is(err, repository.ErrNotFound):
		default:
			return nil, nil, fmt.Errorf("get baseline: %w", err)
		}
		baselines = append(baselines, sum)
	}

	// Store order follows user ids; sort by pseudonym so it cannot be inferred.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].User != records[j].User {
			return records[i].User < records[j].User
		}
		return records[i].Seq < records[j].Seq
	})
	sort.Slice(baselines, func(i, j int) bool { return baselines[i].User < baselines[j].User })
	return records, baselines, nil
}

func convert(cat *catalog.Catalog, pseudo string, rec model.Record) Record {
	out := Record{
		User:           pseudo,
		EntryType:      rec.Entry.Type,
		EntryDate:      rec.Entry.Date,
		Seq:            rec.Entry.Seq,
		QualityPassed:  rec.Quality.Passed,
		QualityReasons: rec.Quality.Reasons,
		InBaseline:     rec.Admitted,
	}
	if out.QualityReasons == nil {
		out.QualityReasons = []model.Reason{}
	}
	if rec.Score != nil {
		v := rec.Score.Value
		out.ScoreValue = &v
		out.ScoreLevel = rec.Score.Level
	}

	for key, a := range rec.Entry.Answers {
		q, known := cat.Lookup(rec.Entry.Type, key)
		if q.Kind == catalog.KindText || (!known && a.Kind() == model.AnswerText) {
			if s, ok := a.TextValue(); ok {
				out.WordCount += len(strings.Fields(s))
			}
			continue
		}
		if out.Answers == nil {
			out.Answers = map[string]model.Answer{}
		}
		out.Answers[key] = a
	}
	return out
}

var csvHeader = []string{
	"user", "entry_type", "entry_date", "seq",
	"quality_passed", "quality_reasons",
	"score_value", "score_level", "in_baseline", "word_count",
}

func writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		reasons := make([]string, len(r.QualityReasons))
		for i, reason := range r.QualityReasons {
			reasons[i] = string(reason)
		}
		score := ""
		if r.ScoreValue != nil {
			score = strconv.FormatFloat(*r.ScoreValue, 'f', 2, 64)
		}
		row := []string{
			r.User,
			string(r.EntryType),
			r.EntryDate.String(),
			strconv.FormatInt(r.Seq, 10),
			strconv.FormatBool(r.QualityPassed),
			strings.Join(reasons, ";"),
			score,
			string(r.ScoreLevel),
			strconv.FormatBool(r.InBaseline),
			strconv.Itoa(r.WordCount),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
