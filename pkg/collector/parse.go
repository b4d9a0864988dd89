package collector

import (
	"encoding/csv"
	"io"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/modusec/blacklist/pkg/types"
)

// dateLayouts are the detection-date shapes seen in upstream payloads.
var dateLayouts = []string{
	"2006-01-02",
	"2006.01.02",
	"20060102",
	"2006-01-02 15:04:05",
	"2006/01/02",
}

// coerceDate parses an upstream date cell. The zero time and false
// mean the cell could not be coerced and the row must be discarded.
func coerceDate(cell string) (time.Time, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, cell); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// row is one parsed upstream line before validation.
type row struct {
	ip          string
	country     string
	threatLevel string
	detected    string
	description string
}

// toRecord validates and converts a row. Rows with a malformed IP or
// an uncoercible detection date are discarded; the detection date from
// the source is used, never the wall clock.
func (r row) toRecord() (*types.IPRecord, bool) {
	ip := strings.TrimSpace(r.ip)
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, false
	}
	detected, ok := coerceDate(r.detected)
	if !ok {
		return nil, false
	}
	return &types.IPRecord{
		IP:            ip,
		DetectionDate: detected,
		LastSeen:      detected,
		ThreatLevel:   types.ParseThreatLevel(r.threatLevel),
		Country:       strings.ToUpper(strings.TrimSpace(r.country)),
		Description:   strings.TrimSpace(r.description),
	}, true
}

// parseHTMLTable extracts records from an HTML report page. The first
// table row is treated as a header; cells are expected in the order
// ip, country, threat level, detection date, description. Short rows
// are padded, extra cells ignored.
func parseHTMLTable(r io.Reader) ([]*types.IPRecord, int, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, 0, types.Wrap(types.KindParseError, "malformed HTML payload", err)
	}

	var rows []row
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			cells := cellTexts(n)
			if len(cells) > 0 {
				for len(cells) < 5 {
					cells = append(cells, "")
				}
				rows = append(rows, row{
					ip:          cells[0],
					country:     cells[1],
					threatLevel: cells[2],
					detected:    cells[3],
					description: cells[4],
				})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return convertRows(rows)
}

// cellTexts returns the text content of each td in a tr. Header rows
// (th cells) produce nothing.
func cellTexts(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, strings.TrimSpace(textContent(c)))
		}
	}
	return cells
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// parseCSV extracts records from a spreadsheet export. A header line
// is detected by a non-IP first column and skipped.
func parseCSV(r io.Reader) ([]*types.IPRecord, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows []row
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, types.Wrap(types.KindParseError, "malformed spreadsheet payload", err)
		}
		for len(fields) < 5 {
			fields = append(fields, "")
		}
		rows = append(rows, row{
			ip:          fields[0],
			country:     fields[1],
			threatLevel: fields[2],
			detected:    fields[3],
			description: fields[4],
		})
	}
	return convertRows(rows)
}

// convertRows drops undecodable rows and reports how many were
// discarded. A payload where every row is garbage is a parse error.
func convertRows(rows []row) ([]*types.IPRecord, int, error) {
	var records []*types.IPRecord
	discarded := 0
	for _, r := range rows {
		rec, ok := r.toRecord()
		if !ok {
			discarded++
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 && discarded > 0 {
		return nil, discarded, types.Ef(types.KindParseError, "no parseable rows (%d discarded)", discarded)
	}
	return records, discarded, nil
}
