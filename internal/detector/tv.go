package detector

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
)

func tvInterval(tf string) string {
	switch tf {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	}
	return "60"
}

// buildTVURL returns a TradingView chart link anchored at ts. The timestamp
// is passed both as a query parameter and a hash fragment; some chart builds
// ignore one of the two and fall back to "now". Accepts milliseconds or
// seconds.
func buildTVURL(symbol, tf string, ts *int64) string {
	sym := url.QueryEscape("BINANCE:" + symbol + ".P")
	interval := tvInterval(tf)
	if ts == nil {
		return fmt.Sprintf("https://www.tradingview.com/chart/?symbol=%s&interval=%s", sym, interval)
	}
	sec := *ts
	if sec > 10_000_000_000 {
		sec /= 1000
	}
	return fmt.Sprintf("https://www.tradingview.com/chart/?symbol=%s&interval=%s&time=%d&range=300#time=%d", sym, interval, sec, sec)
}

// groupID is a stable bucket id used to merge and dedup signals across
// timeframes: same symbol, direction, price bucket (in ticks) and coarse time
// bucket collapse to one id.
func groupID(symbol, tf, direction string, levelPrice *float64, tsFix *int64, tick float64, barMS int64) string {
	var lvlBucket int64
	if levelPrice != nil {
		t := tick
		if t < 1e-9 {
			t = 1e-9
		}
		lvlBucket = int64(math.Round(*levelPrice / t))
	}
	var tBucket int64
	if tsFix != nil && *tsFix != 0 {
		div := 3 * barMS
		if div < 1 {
			div = 1
		}
		tBucket = *tsFix / div
	}
	raw := fmt.Sprintf("%s|%s|%s|%d|%d", symbol, tf, direction, lvlBucket, tBucket)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
