package collector

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusec/blacklist/pkg/types"
)

func TestCoerceDate(t *testing.T) {
	tests := []struct {
		cell string
		want time.Time
		ok   bool
	}{
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"2025.06.01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"20250601", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"2025-06-01 13:45:00", time.Date(2025, 6, 1, 13, 45, 0, 0, time.UTC), true},
		{"2025/06/01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{" 2025-06-01 ", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"June 1st", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := coerceDate(tt.cell)
		assert.Equal(t, tt.ok, ok, "cell %q", tt.cell)
		if tt.ok {
			assert.True(t, tt.want.Equal(got), "cell %q", tt.cell)
		}
	}
}

func TestRowToRecord(t *testing.T) {
	good := row{ip: "203.0.113.7", country: "kr", threatLevel: "high", detected: "2025-06-01", description: "scanner"}
	rec, ok := good.toRecord()
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7", rec.IP)
	assert.Equal(t, "KR", rec.Country)
	assert.Equal(t, types.ThreatHigh, rec.ThreatLevel)
	assert.Equal(t, rec.DetectionDate, rec.LastSeen)

	tests := []struct {
		name string
		r    row
	}{
		{"malformed ip", row{ip: "999.1.1.1", detected: "2025-06-01"}},
		{"hostname not ip", row{ip: "evil.example.com", detected: "2025-06-01"}},
		{"bad date", row{ip: "203.0.113.7", detected: "yesterday"}},
		{"empty date", row{ip: "203.0.113.7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.r.toRecord()
			assert.False(t, ok)
		})
	}
}

const advisoryPage = `<html><body><table>
<tr><th>IP</th><th>Country</th><th>Level</th><th>Date</th><th>Desc</th></tr>
<tr><td>203.0.113.7</td><td>KR</td><td>high</td><td>2025-06-01</td><td>ssh brute force</td></tr>
<tr><td>198.51.100.2</td><td>CN</td><td>medium</td><td>2025.06.02</td><td>port scan</td></tr>
<tr><td>not-an-ip</td><td>US</td><td>low</td><td>2025-06-03</td><td>junk row</td></tr>
<tr><td>2001:db8::1</td><td></td><td></td><td>20250603</td><td></td></tr>
</table></body></html>`

func TestParseHTMLTable(t *testing.T) {
	records, discarded, err := parseHTMLTable(strings.NewReader(advisoryPage))
	require.NoError(t, err)
	assert.Equal(t, 1, discarded)
	require.Len(t, records, 3)

	assert.Equal(t, "203.0.113.7", records[0].IP)
	assert.Equal(t, types.ThreatHigh, records[0].ThreatLevel)
	assert.Equal(t, "ssh brute force", records[0].Description)
	assert.Equal(t, "2001:db8::1", records[2].IP)
	assert.Equal(t, types.ThreatLow, records[2].ThreatLevel, "missing level defaults low")
}

func TestParseCSV(t *testing.T) {
	payload := "ip,country,level,date,desc\n" +
		"203.0.113.7,KR,high,2025-06-01,ssh brute force\n" +
		"198.51.100.2,CN,medium,2025/06/02,port scan\n" +
		"broken,,,,\n"

	records, discarded, err := parseCSV(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, 2, discarded, "header and broken row are discarded")
	require.Len(t, records, 2)
	assert.Equal(t, "198.51.100.2", records[1].IP)
}

func TestParseCSVShortRows(t *testing.T) {
	records, discarded, err := parseCSV(strings.NewReader("203.0.113.7,KR,high,2025-06-01\n"))
	require.NoError(t, err)
	assert.Zero(t, discarded)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Description)
}

func TestAllGarbageIsParseError(t *testing.T) {
	_, discarded, err := parseCSV(strings.NewReader("a,b,c,d,e\nf,g,h,i,j\n"))
	require.Error(t, err)
	assert.Equal(t, types.KindParseError, types.KindOf(err))
	assert.Equal(t, 2, discarded)
}

func TestMalformedHTML(t *testing.T) {
	// html.Parse is forgiving; a payload with no table rows at all just
	// yields nothing without error.
	records, discarded, err := parseHTMLTable(strings.NewReader("<html><body>maintenance</body></html>"))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, discarded)
}
