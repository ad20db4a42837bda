package dlspeed

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/pkg/errors"
)

// Printer is the display sink for terminals.
type Printer struct {
	printer *log.Logger
}

func NewPrinter(printer *log.Logger) *Printer {
	return &Printer{printer: printer}
}

func formatDisplayValue(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "N/A"
	}

	return fmt.Sprintf("%d", int64(value))
}

func (p *Printer) Loading() {
	p.printer.Printf("Measuring...\n")
}

// Display settles the pending "Measuring..." line.
func (p *Printer) Display(speedKBps float64, latencyMS float64) {
	p.printer.Printf("Done.\n")
	p.printer.Printf("Speed: %s KB/s\n", formatDisplayValue(speedKBps))
	p.printer.Printf("Latency: %s ms\n", formatDisplayValue(latencyMS))
}

func formatSeries(series []float64, scale float64) string {
	numStrs := []string{}

	for _, element := range series {
		numStrs = append(numStrs, fmt.Sprintf("%.3f", element*scale))
	}

	return fmt.Sprintf("%v", numStrs)
}

func printStats(printer *log.Logger, label string, unit string, scale float64, stats *Stats, series []float64) {
	printer.Printf("%s-avg: %.3f %s\n", label, float64(stats.Avg)*scale, unit)
	printer.Printf("%s-dev: %.3f %s\n", label, float64(stats.Dev)*scale, unit)
	printer.Printf("%s-min: %.3f %s\n", label, float64(stats.Min)*scale, unit)
	printer.Printf("%s-max: %.3f %s\n", label, float64(stats.Max)*scale, unit)
	printer.Printf("%s-n10/med/n90: %.3f / %.3f / %.3f %s\n", label,
		float64(stats.N10)*scale, float64(stats.Med)*scale, float64(stats.N90)*scale, unit)
	printer.Printf("%s-samples: %s %s\n", label, formatSeries(series, scale), unit)
	printer.Printf("%s-n: %d\n", label, len(series))
}

func RunAndPrint(ctx context.Context, printer *log.Logger, config *Config, transportProtocol string) error {
	client := NewHTTPClient(transportProtocol)

	var results ResultsSink
	if config.SinkURL != "" {
		results = NewResultsClient(client, config.SinkURL)
	}

	session, err := NewSession(
		SessionConfig{RepeatCount: config.RepeatCount, Targets: config.Targets},
		NewProber(client, config.BaseURL, config.TransferTimeout),
		results,
		NewPrinter(printer),
	)
	if err != nil {
		return errors.Wrap(err, "invalid session configuration")
	}

	printer.Printf("Session: %s (%s)\n", session.ID(), transportProtocol)

	report, err := session.Run(ctx)
	if report != nil {
		printer.Println()
		printStats(printer, "Speed", "KB/s", 1.0/1024, &report.SpeedStats, report.Speeds)
		printer.Println()
		printStats(printer, "Latency", "ms", 1000, &report.PingStats, report.Pings)
	}
	if err != nil {
		return errors.Wrap(err, "session failed")
	}

	return nil
}
