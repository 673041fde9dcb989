package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/pattern"
)

// handleScan runs the one-shot geometric scanner over the buffered candles
// of one symbol/timeframe and, when a pattern is found, replays the buffer
// through the annotation machine seeded with the discovered FIX.
func (s *Server) handleScan(c *gin.Context) {
	if s.diag == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "detector not available"})
		return
	}
	symbol := c.Query("symbol")
	tf := c.Query("tf")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and tf are required"})
		return
	}
	anchor := -1
	if raw := c.Query("anchor"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "anchor must be an integer"})
			return
		}
		anchor = v
	}

	candles := s.diag.Candles(symbol, tf)
	if len(candles) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no candles buffered for key"})
		return
	}

	scan, ok := pattern.NewScanner().Detect(candles, anchor)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"found": false, "candles": len(candles)})
		return
	}

	driver := pattern.NewDriver(symbol, tfMinutes(tf), pattern.DefaultConfig())
	driver.SeedFix(
		candles[scan.FixStartIdx].CloseTime,
		candles[scan.FixEndIdx].CloseTime,
		scan.FixHigh, scan.FixLow, true,
	)
	result := driver.Run(candles)

	c.JSON(http.StatusOK, gin.H{
		"found":   true,
		"candles": len(candles),
		"scan":    scan,
		"pattern": result,
	})
}

func tfMinutes(tf string) int {
	if ms, ok := candle.DefaultBarMS()[tf]; ok {
		return int(ms / 60_000)
	}
	return 1
}
