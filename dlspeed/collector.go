package dlspeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ziflex/lecho/v3"
)

const (
	writerRoute  string = "/writer"
	filesRoute   string = "/files/:name"
	metricsRoute string = "/metrics"

	maxReportSize = 10000
	// room for the form encoding of a maximal report
	maxReportBody = "16K"
)

var testFileNamePattern = regexp.MustCompile(`^(\d+)([kKmM]?)\.dat$`)

// testFileSize decodes names such as "0.dat", "100k.dat" or "10M.dat" (binary multiples).
func testFileSize(name string) (int64, bool) {
	match := testFileNamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, false
	}

	size, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}

	switch strings.ToLower(match[2]) {
	case "k":
		size *= 1024
	case "m":
		size *= 1024 * 1024
	}

	return size, true
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for iter := range p {
		p[iter] = 0
	}

	return len(p), nil
}

type collectorMetrics struct {
	submissions *prometheus.CounterVec
	servedBytes prometheus.Counter
}

func newCollectorMetrics(registry *prometheus.Registry) *collectorMetrics {
	m := &collectorMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlspeed",
			Name:      "report_submissions_total",
			Help:      "Result submissions received, by outcome.",
		}, []string{"result"}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlspeed",
			Name:      "test_file_bytes_total",
			Help:      "Bytes of test files served.",
		}),
	}
	registry.MustRegister(m.submissions, m.servedBytes)

	return m
}

// Collector serves the test files and stores submitted reports per client address.
type Collector struct {
	echo    *echo.Echo
	logDir  string
	now     func() time.Time
	metrics *collectorMetrics
	log     zerolog.Logger
}

func NewCollector(logDir string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		echo:    echo.New(),
		logDir:  logDir,
		now:     time.Now,
		metrics: newCollectorMetrics(registry),
		log:     log.With().Str("component", "collector").Logger(),
	}

	logger := lecho.From(c.log)
	c.echo.HideBanner = true
	c.echo.HidePort = true
	c.echo.Logger = logger
	c.echo.Use(middleware.Recover())
	c.echo.Use(lecho.Middleware(lecho.Config{Logger: logger}))

	c.echo.POST(writerRoute, c.handleReport, c.dropOversized, middleware.BodyLimit(maxReportBody))
	c.echo.GET(filesRoute, c.handleTestFile)
	c.echo.GET(metricsRoute, echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return c
}

func (c *Collector) Handler() http.Handler {
	return c.echo
}

func (c *Collector) Start(addr string) error {
	c.log.Info().Str("addr", addr).Str("log_dir", c.logDir).Msg("collector listening")

	err := c.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func (c *Collector) Shutdown(ctx context.Context) error {
	return c.echo.Shutdown(ctx)
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func validReport(data string) bool {
	if len(data) == 0 || len(data) >= maxReportSize {
		return false
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		return false
	}

	return decoded != nil
}

// dropOversized turns body limit rejections into the same silent drop as any other invalid report.
func (c *Collector) dropOversized(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		err := next(ctx)

		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge {
			c.metrics.submissions.WithLabelValues("dropped").Inc()
			c.log.Debug().Int64("size", ctx.Request().ContentLength).Msg("dropping oversized report")
			return ctx.NoContent(http.StatusOK)
		}

		return err
	}
}

// handleReport never tells the client why a submission was dropped.
func (c *Collector) handleReport(ctx echo.Context) error {
	data := ctx.FormValue(resultsFormField)
	if !validReport(data) {
		c.metrics.submissions.WithLabelValues("dropped").Inc()
		c.log.Debug().Int("size", len(data)).Msg("dropping invalid report")
		return ctx.NoContent(http.StatusOK)
	}

	ip := clientAddress(ctx.Request())
	path := filepath.Join(c.logDir, ip, fmt.Sprintf("%d.json", c.now().UnixMilli()))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.metrics.submissions.WithLabelValues("failed").Inc()
		return errors.Wrap(err, "cannot create report directory")
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		c.metrics.submissions.WithLabelValues("failed").Inc()
		return errors.Wrap(err, "cannot write report")
	}

	c.metrics.submissions.WithLabelValues("accepted").Inc()
	c.log.Info().Str("ip", ip).Str("path", path).Msg("stored report")

	return ctx.NoContent(http.StatusOK)
}

func (c *Collector) handleTestFile(ctx echo.Context) error {
	size, ok := testFileSize(ctx.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown test file")
	}

	header := ctx.Response().Header()
	header.Set(echo.HeaderContentType, echo.MIMEOctetStream)
	header.Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	header.Set("Cache-Control", "no-store")
	ctx.Response().WriteHeader(http.StatusOK)

	written, err := io.CopyN(ctx.Response(), zeroReader{}, size)
	c.metrics.servedBytes.Add(float64(written))
	if err != nil {
		c.log.Debug().Err(err).Int64("written", written).Msg("test file transfer interrupted")
	}

	return nil
}
