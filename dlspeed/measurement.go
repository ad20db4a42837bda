package dlspeed

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultDialTimeout = 10 * time.Second
)

// NewTransport pins the dialer to protocol ("tcp", "tcp4" or "tcp6").
func NewTransport(protocol string, dialTimeout time.Duration) *http.Transport {
	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#43
	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#140
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext(ctx, protocol, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

func NewHTTPClient(transportProtocol string) *resty.Client {
	return resty.New().SetTransport(NewTransport(transportProtocol, defaultDialTimeout))
}

type Prober struct {
	client  *resty.Client
	baseURL string
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger

	requests atomic.Uint64
}

// NewProber fetches targets relative to baseURL. A zero timeout lets a transfer run indefinitely.
func NewProber(client *resty.Client, baseURL string, timeout time.Duration) *Prober {
	return &Prober{
		client:  client,
		baseURL: baseURL,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("component", "prober").Logger(),
	}
}

func (p *Prober) targetURL(target string, at time.Time) string {
	url := strings.TrimSuffix(p.baseURL, "/") + "/" + strings.TrimPrefix(target, "/")

	// the query string only defeats caches along the path; the counter keeps it unique within a millisecond
	return url + "?" + strconv.FormatInt(at.UnixMilli(), 10) + "-" + strconv.FormatUint(p.requests.Add(1), 10)
}

func flushHTTPResponse(body io.ReadCloser, reader io.Reader) (int64, error) {
	flushedSize, err := io.Copy(io.Discard, reader)
	if err != nil {
		body.Close()
		return 0, err
	}
	err = body.Close()
	if err != nil {
		return 0, err
	}

	return flushedSize, nil
}

// Probe downloads target once and returns the progress samples taken while the body streamed in.
func (p *Prober) Probe(ctx context.Context, target string) (*TransferResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	sampler := InitSamplingReader(p.now)
	url := p.targetURL(target, sampler.Samples[0].Timestamp)

	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept-Encoding", "identity").
		SetHeader("Cache-Control", "no-cache").
		Get(url)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch %s", target)
	}

	body := resp.RawBody()
	if !resp.IsSuccess() {
		body.Close()
		return nil, errors.Errorf("could not fetch %s: %s", target, resp.Status())
	}

	sampler.Attach(body, resp.RawResponse.ContentLength >= 0)
	size, err := flushHTTPResponse(body, sampler)
	if err != nil {
		return nil, errors.Wrapf(err, "transfer of %s interrupted", target)
	}

	p.log.Debug().
		Str("target", target).
		Int64("size", size).
		Int("samples", len(sampler.Samples)).
		Msg("transfer complete")

	return &TransferResult{
		Target:  target,
		Samples: sampler.Samples,
	}, nil
}
