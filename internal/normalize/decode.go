package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// ErrNotRecord is returned when a payload is neither an object nor an array of objects.
var ErrNotRecord = errors.New("payload must be a JSON object or an array of objects")

// Decode reads one RawRecord or an array of RawRecords from r. Numbers are
// kept as json.Number so integer fields are not rounded through float64.
func Decode(r io.Reader) ([]scraper.RawRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNotRecord
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	switch data[0] {
	case '{':
		var rec scraper.RawRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return []scraper.RawRecord{rec}, nil
	case '[':
		var recs []scraper.RawRecord
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		return recs, nil
	default:
		return nil, ErrNotRecord
	}
}
