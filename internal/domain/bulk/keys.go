package bulk

import (
	"bufio"
	"encoding/csv"
	"io"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ReadCustomerKeys reads customer keys from the first column of a CSV
// stream. Gzip input is detected by its magic bytes. A leading
// "customer_key" header, blank keys and repeated keys are skipped.
func ReadCustomerKeys(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(len(gzipMagic)); err == nil && string(magic) == string(gzipMagic) {
		gz, err := pgzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		defer func() { _ = gz.Close() }()
		src = gz
	}

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var (
		keys []string
		seen = map[string]struct{}{}
		line int
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read csv")
		}
		line++
		if len(record) == 0 {
			continue
		}
		key := strings.TrimSpace(record[0])
		if line == 1 && strings.EqualFold(key, "customer_key") {
			continue
		}
		keys = appendKey(keys, seen, key)
	}
	return keys, nil
}

// SplitCustomerKeys normalizes a customer key list. A single element is
// split on commas. Blank and repeated keys are dropped.
func SplitCustomerKeys(in []string) []string {
	if len(in) == 1 {
		in = strings.Split(in[0], ",")
	}
	var (
		keys []string
		seen = map[string]struct{}{}
	)
	for _, k := range in {
		keys = appendKey(keys, seen, strings.TrimSpace(k))
	}
	return keys
}

func appendKey(keys []string, seen map[string]struct{}, key string) []string {
	if key == "" {
		return keys
	}
	if _, ok := seen[key]; ok {
		return keys
	}
	seen[key] = struct{}{}
	return append(keys, key)
}
