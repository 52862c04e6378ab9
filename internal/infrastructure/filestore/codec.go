package filestore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

const (
	timestampLayout    = "2006-01-02 15:04:05"
	timestampPrecision = time.Second
	columnCount        = 10
)

var (
	sideCodes = map[marketdata.Side]string{
		marketdata.SideBuy:  "b",
		marketdata.SideSell: "s",
	}
	sourceCodes = map[marketdata.Source]string{
		marketdata.SourceUser:   "u",
		marketdata.SourceRemote: "e",
		marketdata.SourceLog:    "m",
	}
)

// WriteQuotes writes one row per quote:
// orderId,timestamp,side,source,min,avg,max,orderCount,remainingVolume,totalVolume
func WriteQuotes(w io.Writer, quotes []*marketdata.Quote) error {
	cw := csv.NewWriter(w)
	for _, q := range quotes {
		side, ok := sideCodes[q.Side]
		if !ok {
			return fmt.Errorf("encode side %q", q.Side)
		}
		source, ok := sourceCodes[q.Source]
		if !ok {
			return fmt.Errorf("encode source %q", q.Source)
		}
		if err := cw.Write([]string{
			q.OrderID,
			q.Timestamp.UTC().Format(timestampLayout),
			side,
			source,
			strconv.FormatInt(q.MinPrice, 10),
			strconv.FormatInt(q.AvgPrice, 10),
			strconv.FormatInt(q.MaxPrice, 10),
			strconv.FormatInt(q.OrderCount, 10),
			strconv.FormatInt(q.RemainingVolume, 10),
			strconv.FormatInt(q.TotalVolume, 10),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadQuotes parses every row of r into quotes of (region, item). Any bad
// row fails the whole read.
func ReadQuotes(r io.Reader, region marketdata.RegionID, item marketdata.ItemID) ([]*marketdata.Quote, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = columnCount
	cr.ReuseRecord = true

	var quotes []*marketdata.Quote
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return quotes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		q, err := decodeRow(row, region, item)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", line, err)
		}
		quotes = append(quotes, q)
	}
}

func decodeRow(row []string, region marketdata.RegionID, item marketdata.ItemID) (*marketdata.Quote, error) {
	ts, err := time.ParseInLocation(timestampLayout, row[1], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	side, err := decodeSide(row[2])
	if err != nil {
		return nil, err
	}
	source, err := decodeSource(row[3])
	if err != nil {
		return nil, err
	}

	var nums [6]int64
	for i := range nums {
		n, err := strconv.ParseInt(row[4+i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse column %d: %w", 5+i, err)
		}
		nums[i] = n
	}

	q := &marketdata.Quote{
		OrderID:         row[0],
		Region:          region,
		Item:            item,
		Side:            side,
		Source:          source,
		Timestamp:       ts,
		MinPrice:        nums[0],
		AvgPrice:        nums[1],
		MaxPrice:        nums[2],
		OrderCount:      nums[3],
		RemainingVolume: nums[4],
		TotalVolume:     nums[5],
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func decodeSide(code string) (marketdata.Side, error) {
	for side, c := range sideCodes {
		if c == code {
			return side, nil
		}
	}
	return "", fmt.Errorf("unknown side code %q", code)
}

func decodeSource(code string) (marketdata.Source, error) {
	for source, c := range sourceCodes {
		if c == code {
			return source, nil
		}
	}
	return "", fmt.Errorf("unknown source code %q", code)
}
